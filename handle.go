// Copyright 2015 Daniel Pupius

package rcache

// releaseListener is told when a handle's last reference goes away.
type releaseListener interface {
	onResourceReleased(key EngineKey, h *Handle)
}

// Handle is a reference-counted wrapper around a Resource. Handles are handed
// to callbacks already acquired; callers give their reference back with
// Release.
//
// Reaching zero references is not the end of a handle: the engine may keep it
// in the memory cache and hand it out again. Only recycle is final.
type Handle struct {
	resource  Resource
	cacheable bool

	// Owned by the coordinator.
	key      EngineKey
	listener releaseListener
	attached bool
	acquired int
	recycled bool
	// invalidated handles are recycled on their last release instead of
	// going to the memory cache.
	invalidated bool

	// release hands a public Release to the coordinator.
	release func(h *Handle)
}

func newHandle(res Resource, cacheable bool) *Handle {
	return &Handle{resource: res, cacheable: cacheable}
}

// Get returns the underlying artifact.
func (h *Handle) Get() any {
	return h.resource.Get()
}

func (h *Handle) Resource() Resource {
	return h.resource
}

func (h *Handle) Size() int {
	return h.resource.Size()
}

func (h *Handle) Key() EngineKey {
	return h.key
}

// Cacheable reports whether the handle goes to the memory cache once released.
func (h *Handle) Cacheable() bool {
	return h.cacheable
}

// Release gives back one reference. It returns immediately; the release itself
// happens on the engine's coordinator.
func (h *Handle) Release() {
	if h.release == nil {
		panic(contractViolation("cannot release a handle that was never handed out"))
	}
	h.release(h)
}

func (h *Handle) attach(key EngineKey, listener releaseListener) {
	h.key = key
	h.listener = listener
	h.attached = true
}

func (h *Handle) acquire() {
	if h.recycled {
		panic(contractViolation("cannot acquire a recycled resource: %s", h.key))
	}
	if !h.attached {
		panic(contractViolation("cannot acquire a resource before it is attached to a key"))
	}
	h.acquired++
}

func (h *Handle) releaseRef() {
	if h.acquired <= 0 {
		panic(contractViolation("cannot release a resource that is not acquired: %s", h.key))
	}
	h.acquired--
	if h.acquired == 0 {
		h.listener.onResourceReleased(h.key, h)
	}
}

func (h *Handle) recycle() {
	if h.acquired > 0 {
		panic(contractViolation("cannot recycle a resource while it is acquired: %s", h.key))
	}
	if h.recycled {
		panic(contractViolation("cannot recycle a resource that has already been recycled: %s", h.key))
	}
	h.recycled = true
	h.resource.Recycle()
}

// recycler recycles handles on the coordinator. A recycle that triggers
// another recycle (a resource that releases its children, say) has the nested
// one deferred rather than run re-entrantly.
type recycler struct {
	post      func(func())
	recycling bool
}

func (r *recycler) recycle(h *Handle) {
	if r.recycling {
		r.post(func() { r.recycle(h) })
		return
	}
	r.recycling = true
	defer func() { r.recycling = false }()
	h.recycle()
}
