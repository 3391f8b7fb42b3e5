// Copyright 2015 Daniel Pupius

// Package rcache provides an asynchronous, read-through, multi-tier resource
// loader.
//
// A request names a source of raw data together with the strategies that turn
// that data into the artifact the caller wants: decoders, transformations, a
// transcoder and an encoder used to persist results. The engine looks for the
// artifact in successively slower tiers:
//
//	active resources -> memory cache -> disk cache -> source
//
// and writes what it produced back into the tiers it had to skip. Concurrent
// requests for the same key multiplex onto a single job, and every caller
// receives the same reference-counted Handle.
//
// All lifecycle state (reference counts, the in-flight job table, the active
// resource registry and the memory cache) is owned by a single coordinating
// goroutine. Pipelines run on worker pools and hand their results back to the
// coordinator; callbacks run on their own executor so they are free to call
// back into the engine.
package rcache

import (
	"context"
	"io"

	"github.com/dpup/rcache/cachekey"
)

// Resource is a decoded artifact.
type Resource interface {
	// Get returns the artifact itself.
	Get() any
	// Size returns the logical size of the artifact in bytes.
	Size() int
	// Recycle frees the artifact. It is called at most once.
	Recycle()
}

// Callback receives the outcome of a Load. Exactly one of the methods is
// called, at most once, unless the load is cancelled or the engine is shut
// down first.
type Callback interface {
	// OnResourceReady is called with an acquired handle. The receiver owns one
	// reference and must call Release when done with it.
	OnResourceReady(h *Handle, src DataSource)
	OnLoadFailed(err error)
}

// Funcs adapts a pair of functions to the Callback interface.
type Funcs struct {
	Ready  func(h *Handle, src DataSource)
	Failed func(err error)
}

func (f Funcs) OnResourceReady(h *Handle, src DataSource) {
	if f.Ready != nil {
		f.Ready(h, src)
	}
}

func (f Funcs) OnLoadFailed(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

// Executor runs tasks. Implementations decide on which goroutine.
type Executor interface {
	Execute(task func()) error
}

// Source identifies where raw data for a request comes from.
type Source interface {
	// ID is the stable identity of the source, e.g. a URL.
	ID() string
	// Fetcher returns a new fetcher for one load attempt.
	Fetcher(width, height int, opts Options) DataFetcher
}

// DataFetcher loads raw data for a single attempt.
type DataFetcher interface {
	// LoadData blocks until the data is available. ctx is cancelled when the
	// load is cancelled.
	LoadData(ctx context.Context, priority Priority) ([]byte, error)
	// Cleanup releases anything LoadData acquired. It is called exactly once
	// per fetcher, whatever the outcome.
	Cleanup()
	// Cancel asks an in-progress LoadData to give up.
	Cancel()
	// DataSource reports where the data came from.
	DataSource() DataSource
}

// Decoder turns raw data into a Resource of a particular class.
type Decoder interface {
	// ID is the stable identity of the decoder.
	ID() string
	// ResourceClass names the kind of resource produced. Transformations are
	// looked up by resource class.
	ResourceClass() string
	// Handles reports whether the decoder can decode data.
	Handles(data []byte, opts Options) bool
	Decode(data []byte, width, height int, opts Options) (Resource, error)
}

// Transformation modifies a decoded resource, e.g. by cropping it.
// Returning the input unchanged is allowed; otherwise the engine recycles the
// input once the output exists.
type Transformation interface {
	ID() string
	Transform(res Resource, width, height int) (Resource, error)
}

// Transcoder converts a transformed resource into the type the caller wants.
// The output takes ownership of the input.
type Transcoder interface {
	ID() string
	Transcode(res Resource, opts Options) (Resource, error)
}

// Encoder persists a transformed resource so a decoder for the same resource
// class can read it back from the result cache.
type Encoder interface {
	ID() string
	Encode(res Resource, w io.Writer, opts Options) error
}

// DiskCache is a persistent key-value tier. It must be safe for concurrent
// use from multiple goroutines.
type DiskCache interface {
	// Get returns nil data when there is no entry for key.
	Get(key cachekey.Key) ([]byte, error)
	// Put stores whatever write produces. Nothing is stored if write fails.
	Put(key cachekey.Key, write func(w io.Writer) error) error
	Delete(key cachekey.Key) error
	Clear() error
}

// MemoryCache holds released resources until they are needed again or
// evicted. It is only ever called from the coordinator.
type MemoryCache interface {
	// Peek returns the entry for key, if any, leaving it in the cache and
	// its recency unchanged.
	Peek(key EngineKey) *Handle
	// Keys returns the cached keys, least recently used first.
	Keys() []EngineKey
	Put(key EngineKey, h *Handle)
	// Remove takes the entry for key out of the cache without notifying the
	// removal listener.
	Remove(key EngineKey) *Handle
	// SetRemovedListener registers fn to be called for every entry the cache
	// evicts on its own.
	SetRemovedListener(fn func(h *Handle))
	// Clear evicts every entry.
	Clear()
	// Size returns the total size of cached entries in bytes.
	Size() int64
}

// DataSource says which tier a resource came from.
type DataSource int

const (
	// Local is data fetched from the local device.
	Local DataSource = iota
	// Remote is data fetched over the network.
	Remote
	// SourceCache is data read from the disk cache under the original key.
	SourceCache
	// ResultCache is a transformed resource read from the disk cache.
	ResultCache
	// FromMemoryCache is a resource served from the active resources or the
	// memory cache.
	FromMemoryCache
)

func (d DataSource) String() string {
	switch d {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case SourceCache:
		return "source-cache"
	case ResultCache:
		return "result-cache"
	case FromMemoryCache:
		return "memory-cache"
	}
	return "unknown"
}

// Priority hints how urgently a fetcher should load data.
type Priority int

const (
	Normal Priority = iota
	Immediate
	High
	Low
)
