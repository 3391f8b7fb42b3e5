// Copyright 2015 Daniel Pupius

package cachekey

import (
	"crypto/sha256"
	"hash"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pairKey struct {
	a, b string
}

func (k pairKey) UpdateDigest(h hash.Hash) error {
	WriteString(h, k.a)
	WriteString(h, k.b)
	return nil
}

type brokenKey struct{}

func (brokenKey) UpdateDigest(h hash.Hash) error {
	return ErrMissingIdentity
}

func TestAddressIsStable(t *testing.T) {
	d1, err := Address(StrKey("img1"))
	require.NoError(t, err)
	d2, err := Address(StrKey("img1"))
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, digest.SHA256, d1.Algorithm())
	assert.NoError(t, d1.Validate())
}

func TestAddressIsOrderSensitive(t *testing.T) {
	d1, err := Address(pairKey{"a", "b"})
	require.NoError(t, err)
	d2, err := Address(pairKey{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestLengthPrefixSeparatesStrings(t *testing.T) {
	d1, err := Address(pairKey{"ab", "c"})
	require.NoError(t, err)
	d2, err := Address(pairKey{"a", "bc"})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestAddressFailsOnBrokenComponent(t *testing.T) {
	_, err := Address(brokenKey{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingIdentity))
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

	_, err = Address(nil)
	assert.Error(t, err)
}

func TestWriteIdentityRejectsEmpty(t *testing.T) {
	h := sha256.New()
	assert.ErrorIs(t, WriteIdentity(h, ""), ErrMissingIdentity)
	assert.NoError(t, WriteIdentity(h, "decoder"))
}

func TestOptionalAbsentIsDistinct(t *testing.T) {
	sum := func(write func(h hash.Hash)) []byte {
		h := sha256.New()
		write(h)
		return h.Sum(nil)
	}

	absent := sum(func(h hash.Hash) { WriteOptionalIdentity(h, "") })
	present := sum(func(h hash.Hash) { WriteOptionalIdentity(h, "x") })
	emptyString := sum(func(h hash.Hash) { WriteString(h, "") })

	assert.NotEqual(t, absent, present)
	assert.NotEqual(t, absent, emptyString)

	nilKey := sum(func(h hash.Hash) { _ = WriteOptional(h, nil) })
	assert.Equal(t, absent, nilKey)

	h := sha256.New()
	assert.ErrorIs(t, WriteOptional(h, brokenKey{}), ErrMissingIdentity)
}
