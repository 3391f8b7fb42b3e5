// Copyright 2015 Daniel Pupius

package rcache

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dpup/rcache/cachekey"
)

// Entry describes a resource the engine holds in memory.
type Entry struct {
	Key  EngineKey
	Size int
	// Active is set for resources that are handed out and not yet released.
	Active bool
}

// Entries lists the resources held in memory: those in use, then the memory
// cache from least to most recently used.
func (e *Engine) Entries() ([]Entry, error) {
	var entries []Entry
	err := e.coord.do(func() {
		for key, h := range e.active.live() {
			entries = append(entries, Entry{Key: key, Size: h.Size(), Active: true})
		}
		for _, key := range e.memory.Keys() {
			if h := e.memory.Peek(key); h != nil {
				entries = append(entries, Entry{Key: key, Size: h.Size()})
			}
		}
	})
	return entries, err
}

// Peek reports which tier a load of req would be served from, without
// loading anything or changing what is cached. Only the memory tiers and the
// disk caches the request's strategy reads are considered. The disk cache is
// read on the calling goroutine.
func (e *Engine) Peek(req Request) (DataSource, bool, error) {
	if err := req.validate(); err != nil {
		return 0, false, err
	}
	if e.shutdown.Load() {
		return 0, false, ErrShutdown
	}
	key := keyFor(&req)

	if req.isMemoryCacheable() {
		var inMemory bool
		err := e.coord.do(func() {
			inMemory = e.active.get(key) != nil || e.memory.Peek(key) != nil
		})
		if err != nil {
			return 0, false, err
		}
		if inMemory {
			return FromMemoryCache, true, nil
		}
	}

	if e.disk == nil {
		return 0, false, nil
	}
	strategy := req.DiskCacheStrategy
	if req.Encoder != nil && strategy.DecodeCachedResult() {
		for _, k := range resultKeys(&req) {
			ok, err := e.onDisk(k)
			if err != nil || ok {
				return ResultCache, ok, err
			}
		}
	}
	if strategy.DecodeCachedSource() {
		ok, err := e.onDisk(req.originalKey())
		if err != nil || ok {
			return SourceCache, ok, err
		}
	}
	return 0, false, nil
}

// Invalidate drops what is cached for req: the memory cache entry and the
// result cache entries. A resource that is in use stays valid for its holders
// but is recycled instead of cached once released. With recursive set, the
// source data the results were derived from is deleted as well, so the next
// load goes back to the source. Loads already in flight are not affected.
//
// It reports whether anything was dropped.
func (e *Engine) Invalidate(req Request, recursive bool) (bool, error) {
	if err := req.validate(); err != nil {
		return false, err
	}
	key := keyFor(&req)

	var dropped bool
	err := e.coord.do(func() {
		if h := e.active.get(key); h != nil {
			h.invalidated = true
			e.active.deactivate(key, h)
			dropped = true
		}
		if h := e.memory.Remove(key); h != nil {
			e.recycler.recycle(h)
			dropped = true
		}
	})
	if err != nil {
		return false, err
	}

	var errs error
	if e.disk != nil {
		var keys []cachekey.Key
		if req.Encoder != nil {
			keys = append(keys, resultKeys(&req)...)
		}
		if recursive {
			keys = append(keys, req.originalKey())
		}
		for _, k := range keys {
			ok, err := e.onDisk(k)
			if err == nil && ok {
				dropped = true
				err = e.disk.Delete(k)
			}
			errs = multierr.Append(errs, err)
		}
	}

	e.stats.Add("invalidations", 1)
	e.log.WithFields(logrus.Fields{
		"source":    key.Source,
		"recursive": recursive,
		"dropped":   dropped,
	}).Debug("Invalidated resource")
	return dropped, errs
}

// resultKeys returns the result cache key for each of the request's decoders,
// as the pipeline writes them.
func resultKeys(req *Request) []cachekey.Key {
	keys := make([]cachekey.Key, len(req.Decoders))
	for i, d := range req.Decoders {
		keys[i] = req.resultKey(d, req.transformationFor(d.ResourceClass()))
	}
	return keys
}

func (e *Engine) onDisk(key cachekey.Key) (bool, error) {
	data, err := e.disk.Get(key)
	return data != nil, err
}
