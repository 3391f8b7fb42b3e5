// Copyright 2015 Daniel Pupius

package rcache

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"

	"github.com/dpup/rcache/cachekey"
)

// Request describes one load: where the data comes from and how to turn it
// into the resource the caller wants.
type Request struct {
	Source Source
	// Signature is an optional caller supplied key mixed into every cache
	// key, e.g. a version or modification time. It must be comparable.
	Signature cachekey.Key
	Width     int
	Height    int

	// Decoders are tried in order. The first one that handles the data wins.
	Decoders []Decoder
	// Transformations are keyed by the resource class they apply to.
	Transformations map[string]Transformation
	// Transcoder is optional; without one the transformed resource is
	// returned as is.
	Transcoder Transcoder
	// Encoder writes transformed resources to the result cache. Without one
	// results are never cached on disk.
	Encoder Encoder
	Options Options

	Priority          Priority
	DiskCacheStrategy DiskCacheStrategy
	// SkipMemoryCache bypasses the active resources and the memory cache, and
	// keeps the result out of both.
	SkipMemoryCache bool
	// OnlyRetrieveFromCache fails the load instead of going to the source.
	OnlyRetrieveFromCache  bool
	UseUnlimitedSourcePool bool
	UseAnimationPool       bool

	// CallbackExecutor runs the callback for jobs. Defaults to the engine's
	// serial callback queue. Memory hits are always delivered synchronously.
	CallbackExecutor Executor
}

func (req *Request) validate() error {
	if req.Source == nil {
		return errors.New(errors.CodeInvalidInput, "request has no source")
	}
	if req.Source.ID() == "" {
		return errors.New(errors.CodeInvalidInput, "request source has no identity")
	}
	if len(req.Decoders) == 0 {
		return errors.New(errors.CodeInvalidInput, "request has no decoders")
	}
	for _, d := range req.Decoders {
		if d == nil || d.ID() == "" || d.ResourceClass() == "" {
			return errors.New(errors.CodeInvalidInput, "request has a decoder without identity")
		}
	}
	for class, t := range req.Transformations {
		if t == nil || t.ID() == "" {
			return errors.Newf(errors.CodeInvalidInput, "transformation for %s has no identity", class)
		}
	}
	if req.Transcoder != nil && req.Transcoder.ID() == "" {
		return errors.New(errors.CodeInvalidInput, "transcoder has no identity")
	}
	if req.Encoder != nil && req.Encoder.ID() == "" {
		return errors.New(errors.CodeInvalidInput, "encoder has no identity")
	}
	if req.Signature != nil && !reflect.TypeOf(req.Signature).Comparable() {
		return errors.Newf(errors.CodeInvalidInput, "signature type %T is not comparable", req.Signature)
	}
	if req.Width < 0 || req.Height < 0 {
		return errors.Newf(errors.CodeInvalidInput, "invalid dimensions %dx%d", req.Width, req.Height)
	}
	return nil
}

func (req *Request) transformationFor(class string) Transformation {
	return req.Transformations[class]
}

func (req *Request) transformationsID() string {
	if len(req.Transformations) == 0 {
		return ""
	}
	ids := make([]string, 0, len(req.Transformations))
	for class, t := range req.Transformations {
		ids = append(ids, strconv.Quote(class)+"="+strconv.Quote(t.ID()))
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (req *Request) decodersID() string {
	ids := make([]string, len(req.Decoders))
	for i, d := range req.Decoders {
		ids[i] = strconv.Quote(d.ID())
	}
	return strings.Join(ids, ",")
}

func (req *Request) isMemoryCacheable() bool {
	return !req.SkipMemoryCache
}
