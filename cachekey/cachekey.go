// Copyright 2015 Daniel Pupius

// Package cachekey defines how cache keys contribute to the digest that
// addresses an entry in a persistent cache.
//
// A key writes every identity it is made of into a hash, in a fixed order.
// The resulting bytes must be identical across processes, so keys only ever
// write length-prefixed strings and fixed-width integers. A key that cannot
// describe one of its components fails the whole digest rather than skipping
// it; a silent skip would let two different keys share an address.
package cachekey

import (
	"encoding/binary"
	"hash"

	"github.com/jmgilman/go/errors"
	"github.com/opencontainers/go-digest"
)

// ErrMissingIdentity is returned when a required component of a key has no
// identity to contribute to the digest.
var ErrMissingIdentity = errors.New(errors.CodeInvalidInput, "cache key component has no identity")

// Key is satisfied by anything that can be used to address a persistent cache
// entry.
type Key interface {
	// UpdateDigest appends the key's identity to h. The order of writes is part
	// of the key's contract and must never change.
	UpdateDigest(h hash.Hash) error
}

// StrKey allows strings to be easily used as keys, most commonly as a request
// signature.
type StrKey string

func (str StrKey) UpdateDigest(h hash.Hash) error {
	WriteString(h, string(str))
	return nil
}

const (
	markerAbsent  byte = 0
	markerPresent byte = 1
)

// WriteString writes s prefixed with its length, so that adjacent strings can
// never run into each other.
func WriteString(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// WriteInt writes i as a fixed-width big endian value.
func WriteInt(h hash.Hash, i int) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(int64(i)))
	h.Write(n[:])
}

// WriteIdentity writes a required identity. An empty identity is an error.
func WriteIdentity(h hash.Hash, id string) error {
	if id == "" {
		return ErrMissingIdentity
	}
	WriteString(h, id)
	return nil
}

// WriteOptionalIdentity writes an identity that may legitimately be absent.
// Absence is recorded as its own marker, distinct from every present value.
func WriteOptionalIdentity(h hash.Hash, id string) {
	if id == "" {
		h.Write([]byte{markerAbsent})
		return
	}
	h.Write([]byte{markerPresent})
	WriteString(h, id)
}

// WriteOptional writes a nested key that may be nil. Errors from a present
// key are returned unchanged.
func WriteOptional(h hash.Hash, k Key) error {
	if k == nil {
		h.Write([]byte{markerAbsent})
		return nil
	}
	h.Write([]byte{markerPresent})
	return k.UpdateDigest(h)
}

// Address returns the content address of k, suitable for naming an entry in a
// persistent store.
func Address(k Key) (digest.Digest, error) {
	if k == nil {
		return "", ErrMissingIdentity
	}
	d := digest.Canonical.Digester()
	if err := k.UpdateDigest(d.Hash()); err != nil {
		return "", errors.Wrap(err, errors.CodeInvalidInput, "failed to digest cache key")
	}
	return d.Digest(), nil
}
