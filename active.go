// Copyright 2015 Daniel Pupius

package rcache

import (
	"runtime"
	"weak"
)

type activeEntry struct {
	handle weak.Pointer[Handle]
	// resource outlives the handle so a reclaimed entry can still be cached.
	resource Resource
	gen      uint64
	cleanup  runtime.Cleanup
}

// activeResources tracks handles that are currently held by at least one
// caller. Entries point at their handle weakly: a handle its holders dropped
// without releasing is reclaimed by the garbage collector, and its resource
// is then passed to onReclaimed as if it had been released normally.
//
// Only the coordinator calls into activeResources.
type activeResources struct {
	entries map[EngineKey]*activeEntry
	epoch   uint64

	// post queues work on the coordinator. Collector cleanups use it.
	post func(fn func()) bool
	// onReclaimed receives the resource of every reclaimed entry.
	onReclaimed func(key EngineKey, res Resource)
}

func newActiveResources(post func(func()) bool, onReclaimed func(EngineKey, Resource)) *activeResources {
	return &activeResources{
		entries:     make(map[EngineKey]*activeEntry),
		post:        post,
		onReclaimed: onReclaimed,
	}
}

func (a *activeResources) activate(key EngineKey, h *Handle) {
	if old, ok := a.entries[key]; ok {
		old.cleanup.Stop()
	}
	a.epoch++
	e := &activeEntry{
		handle:   weak.Make(h),
		resource: h.resource,
		gen:      a.epoch,
	}
	gen := e.gen
	e.cleanup = runtime.AddCleanup(h, func(key EngineKey) {
		a.post(func() { a.reclaim(key, gen) })
	}, key)
	a.entries[key] = e
}

// deactivate drops the entry for key if it still refers to h. A nil h drops
// whatever is there.
func (a *activeResources) deactivate(key EngineKey, h *Handle) {
	e, ok := a.entries[key]
	if !ok {
		return
	}
	if h != nil && e.handle.Value() != h {
		return
	}
	e.cleanup.Stop()
	delete(a.entries, key)
}

// get returns the live handle for key, or nil.
func (a *activeResources) get(key EngineKey) *Handle {
	e, ok := a.entries[key]
	if !ok {
		return nil
	}
	if h := e.handle.Value(); h != nil {
		return h
	}
	a.reclaim(key, e.gen)
	return nil
}

// sweep reclaims every entry whose handle has been collected and returns how
// many there were.
func (a *activeResources) sweep() int {
	var stale []EngineKey
	for key, e := range a.entries {
		if e.handle.Value() == nil {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		a.reclaim(key, a.entries[key].gen)
	}
	return len(stale)
}

// live returns the handles that are still reachable, by key.
func (a *activeResources) live() map[EngineKey]*Handle {
	handles := make(map[EngineKey]*Handle, len(a.entries))
	for key, e := range a.entries {
		if h := e.handle.Value(); h != nil {
			handles[key] = h
		}
	}
	return handles
}

func (a *activeResources) len() int {
	return len(a.entries)
}

// reclaim removes the entry for key, provided it is still generation gen and
// its handle is gone.
func (a *activeResources) reclaim(key EngineKey, gen uint64) {
	e, ok := a.entries[key]
	if !ok || e.gen != gen || e.handle.Value() != nil {
		return
	}
	e.cleanup.Stop()
	delete(a.entries, key)
	a.onReclaimed(key, e.resource)
}
