// Copyright 2015 Daniel Pupius

package rcache

import (
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/dpup/rcache/cachekey"
)

// Options are decoder and encoder settings that affect the produced resource,
// and so are part of every key.
type Options map[string]string

// id returns a canonical form of o: keys sorted, entries joined.
func (o Options) id() string {
	if len(o) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%q=%q", k, o[k])
	}
	return b.String()
}

// EngineKey identifies a request in memory: for deduplicating jobs, in the
// active resources and in the memory cache. Two requests share a key iff every
// identity and dimension that contributes to the result matches.
//
// An empty identity means the component is absent, e.g. no transformation.
type EngineKey struct {
	Source          string
	Signature       cachekey.Key
	Width           int
	Height          int
	Transformations string
	Decoders        string
	Transcoder      string
	Options         string
}

func (k EngineKey) String() string {
	return fmt.Sprintf("EngineKey{source=%s, signature=%v, size=%dx%d, transformations=%q, decoders=%q, transcoder=%q, options=%q}",
		k.Source, k.Signature, k.Width, k.Height, k.Transformations, k.Decoders, k.Transcoder, k.Options)
}

func (k EngineKey) UpdateDigest(h hash.Hash) error {
	cachekey.WriteString(h, "engine")
	if err := cachekey.WriteIdentity(h, k.Source); err != nil {
		return err
	}
	if err := cachekey.WriteOptional(h, k.Signature); err != nil {
		return err
	}
	cachekey.WriteInt(h, k.Width)
	cachekey.WriteInt(h, k.Height)
	cachekey.WriteOptionalIdentity(h, k.Transformations)
	if err := cachekey.WriteIdentity(h, k.Decoders); err != nil {
		return err
	}
	cachekey.WriteOptionalIdentity(h, k.Transcoder)
	cachekey.WriteOptionalIdentity(h, k.Options)
	return nil
}

// OriginalKey addresses raw source data in the disk cache. It leaves out
// everything applied after decoding so that differently transformed requests
// for the same source share one entry.
type OriginalKey struct {
	Source    string
	Signature cachekey.Key
}

func (k OriginalKey) UpdateDigest(h hash.Hash) error {
	cachekey.WriteString(h, "original")
	if err := cachekey.WriteIdentity(h, k.Source); err != nil {
		return err
	}
	return cachekey.WriteOptional(h, k.Signature)
}

func (k OriginalKey) String() string {
	return fmt.Sprintf("OriginalKey{source=%s, signature=%v}", k.Source, k.Signature)
}

// ResultKey addresses a decoded and transformed resource in the disk cache.
type ResultKey struct {
	Source         string
	Signature      cachekey.Key
	Width          int
	Height         int
	Decoder        string
	Transformation string
	Encoder        string
	Options        string
}

// The write order below is fixed; changing it invalidates every persisted
// result.
func (k ResultKey) UpdateDigest(h hash.Hash) error {
	cachekey.WriteString(h, "result")
	cachekey.WriteInt(h, k.Width)
	cachekey.WriteInt(h, k.Height)
	if err := cachekey.WriteOptional(h, k.Signature); err != nil {
		return err
	}
	if err := cachekey.WriteIdentity(h, k.Source); err != nil {
		return err
	}
	cachekey.WriteOptionalIdentity(h, k.Transformation)
	cachekey.WriteOptionalIdentity(h, k.Options)
	if err := cachekey.WriteIdentity(h, k.Decoder); err != nil {
		return err
	}
	return cachekey.WriteIdentity(h, k.Encoder)
}

func (k ResultKey) String() string {
	return fmt.Sprintf("ResultKey{source=%s, signature=%v, size=%dx%d, decoder=%s, transformation=%q, encoder=%s}",
		k.Source, k.Signature, k.Width, k.Height, k.Decoder, k.Transformation, k.Encoder)
}

// keyFor builds the engine key for a validated request.
func keyFor(req *Request) EngineKey {
	return EngineKey{
		Source:          req.Source.ID(),
		Signature:       req.Signature,
		Width:           req.Width,
		Height:          req.Height,
		Transformations: req.transformationsID(),
		Decoders:        req.decodersID(),
		Transcoder:      identity(req.Transcoder),
		Options:         req.Options.id(),
	}
}

func (req *Request) originalKey() OriginalKey {
	return OriginalKey{Source: req.Source.ID(), Signature: req.Signature}
}

func (req *Request) resultKey(d Decoder, t Transformation) ResultKey {
	return ResultKey{
		Source:         req.Source.ID(),
		Signature:      req.Signature,
		Width:          req.Width,
		Height:         req.Height,
		Decoder:        d.ID(),
		Transformation: identity(t),
		Encoder:        identity(req.Encoder),
		Options:        req.Options.id(),
	}
}

type identified interface {
	ID() string
}

// identity returns the ID of s, or "" if s is nil.
func identity(s identified) string {
	if s == nil {
		return ""
	}
	return s.ID()
}
