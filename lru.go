// Copyright 2015 Daniel Pupius

package rcache

import (
	"expvar"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// LRU is the default MemoryCache: it keeps released handles, least recently
// used first out, until their total size exceeds maxSizeBytes. It is not safe
// for concurrent use; the engine only calls it from its coordinator.
type LRU struct {
	name         string
	maxSizeBytes int64
	maxEntries   int
	size         int64
	items        *simplelru.LRU[EngineKey, *Handle]
	onRemoved    func(h *Handle)
	sizeExpVar   *expvar.Int
	log          *logrus.Entry
}

// NewLRU returns an LRU bounded by maxSizeBytes and, if maxEntries is
// positive, by entry count. The cache's size is exposed in expvar under name.
func NewLRU(name string, maxSizeBytes int64, maxEntries int) *LRU {
	capacity := maxEntries
	if capacity < 1 {
		capacity = math.MaxInt
	}
	// Only fails for a non-positive capacity.
	items, _ := simplelru.NewLRU[EngineKey, *Handle](capacity, nil)
	return &LRU{
		name:         name,
		maxSizeBytes: maxSizeBytes,
		maxEntries:   maxEntries,
		items:        items,
		sizeExpVar:   expvar.NewInt(fmt.Sprintf("cacheSize (%s)", name)),
		log:          logrus.StandardLogger().WithField("cache", name),
	}
}

// SetLogger replaces the logger the cache reports evictions to.
func (l *LRU) SetLogger(logger *logrus.Logger) {
	l.log = logger.WithField("cache", l.name)
}

func (l *LRU) SetRemovedListener(fn func(h *Handle)) {
	l.onRemoved = fn
}

func (l *LRU) Get(key EngineKey) *Handle {
	h, _ := l.items.Get(key)
	return h
}

func (l *LRU) Peek(key EngineKey) *Handle {
	h, _ := l.items.Peek(key)
	return h
}

func (l *LRU) Keys() []EngineKey {
	return l.items.Keys()
}

func (l *LRU) Put(key EngineKey, h *Handle) {
	if old, ok := l.items.Peek(key); ok {
		l.items.Remove(key)
		l.adjust(-int64(old.Size()))
		if old != h {
			l.evicted(old)
		}
	} else if l.maxEntries > 0 && l.items.Len() >= l.maxEntries {
		l.evictOldest()
	}

	l.items.Add(key, h)
	l.adjust(int64(h.Size()))

	// Remove least recently used elements until cache is under capacity.
	for l.size > l.maxSizeBytes && l.items.Len() > 0 {
		l.evictOldest()
	}
}

func (l *LRU) Remove(key EngineKey) *Handle {
	h, ok := l.items.Peek(key)
	if !ok {
		return nil
	}
	l.items.Remove(key)
	l.adjust(-int64(h.Size()))
	return h
}

// Clear evicts every entry, notifying the listener for each.
func (l *LRU) Clear() {
	n := l.items.Len()
	for l.items.Len() > 0 {
		l.evictOldest()
	}
	if n > 0 {
		l.log.WithField("entries", n).Debug("Cleared memory cache")
	}
}

func (l *LRU) Size() int64 {
	return l.size
}

func (l *LRU) Len() int {
	return l.items.Len()
}

func (l *LRU) evictOldest() {
	_, h, ok := l.items.RemoveOldest()
	if !ok {
		return
	}
	l.adjust(-int64(h.Size()))
	l.log.WithFields(logrus.Fields{
		"key":  h.Key().Source,
		"size": humanize.Bytes(uint64(h.Size())),
		"used": humanize.Bytes(uint64(l.size)),
	}).Debug("Evicted from memory cache")
	l.evicted(h)
}

func (l *LRU) evicted(h *Handle) {
	if l.onRemoved != nil {
		l.onRemoved(h)
	}
}

func (l *LRU) adjust(delta int64) {
	l.size += delta
	l.sizeExpVar.Add(delta)
}
