// Copyright 2015 Daniel Pupius

package rcache

import (
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type countingListener struct {
	released []*Handle
}

func (l *countingListener) onResourceReleased(key EngineKey, h *Handle) {
	l.released = append(l.released, h)
}

func attachedHandle(res Resource) (*Handle, *countingListener) {
	l := &countingListener{}
	h := newHandle(res, true)
	h.attach(EngineKey{Source: "img"}, l)
	return h, l
}

func requireContractPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "expected an error, got %v", r)
		assert.Equal(t, errors.CodeInternal, errors.GetCode(err))
	}()
	fn()
}

func TestHandleAcquireRelease(t *testing.T) {
	res := newFakeResource("abc")
	h, l := attachedHandle(res)

	h.acquire()
	h.acquire()
	h.releaseRef()
	assert.Empty(t, l.released)

	h.releaseRef()
	require.Len(t, l.released, 1)
	assert.Same(t, h, l.released[0])
	assert.Equal(t, int32(0), res.recycled.Load())

	// Released handles can be acquired again, e.g. out of the memory cache.
	h.acquire()
	h.releaseRef()
	assert.Len(t, l.released, 2)
}

func TestHandleContractViolations(t *testing.T) {
	t.Run("acquire before attach", func(t *testing.T) {
		h := newHandle(newFakeResource("abc"), true)
		requireContractPanic(t, h.acquire)
	})
	t.Run("release before acquire", func(t *testing.T) {
		h, _ := attachedHandle(newFakeResource("abc"))
		requireContractPanic(t, h.releaseRef)
	})
	t.Run("over release", func(t *testing.T) {
		h, _ := attachedHandle(newFakeResource("abc"))
		h.acquire()
		h.releaseRef()
		requireContractPanic(t, h.releaseRef)
	})
	t.Run("recycle while acquired", func(t *testing.T) {
		h, _ := attachedHandle(newFakeResource("abc"))
		h.acquire()
		requireContractPanic(t, h.recycle)
	})
	t.Run("double recycle", func(t *testing.T) {
		res := newFakeResource("abc")
		h, _ := attachedHandle(res)
		h.recycle()
		requireContractPanic(t, h.recycle)
		assert.Equal(t, int32(1), res.recycled.Load())
	})
	t.Run("acquire after recycle", func(t *testing.T) {
		h, _ := attachedHandle(newFakeResource("abc"))
		h.recycle()
		requireContractPanic(t, h.acquire)
	})
	t.Run("release without engine", func(t *testing.T) {
		h, _ := attachedHandle(newFakeResource("abc"))
		requireContractPanic(t, h.Release)
	})
}

// Any sequence of operations keeps the count non-negative, only recycles at
// zero and tells the listener about every 1 -> 0 transition.
func TestHandleReferenceConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		res := newFakeResource("abc")
		h, l := attachedHandle(res)

		balance := 0
		transitions := 0
		recycled := false

		ops := rapid.SliceOf(rapid.IntRange(0, 2)).Draw(t, "ops")
		for _, op := range ops {
			panicked := func() (p bool) {
				defer func() { p = recover() != nil }()
				switch op {
				case 0:
					h.acquire()
				case 1:
					h.releaseRef()
				case 2:
					h.recycle()
				}
				return false
			}()

			switch op {
			case 0:
				if recycled != panicked {
					t.Fatalf("acquire: recycled=%v panicked=%v", recycled, panicked)
				}
				if !panicked {
					balance++
				}
			case 1:
				if (balance == 0) != panicked {
					t.Fatalf("release: balance=%d panicked=%v", balance, panicked)
				}
				if !panicked {
					balance--
					if balance == 0 {
						transitions++
					}
				}
			case 2:
				if (balance > 0 || recycled) != panicked {
					t.Fatalf("recycle: balance=%d recycled=%v panicked=%v", balance, recycled, panicked)
				}
				if !panicked {
					recycled = true
				}
			}

			if h.acquired != balance {
				t.Fatalf("acquired=%d, want %d", h.acquired, balance)
			}
		}

		if len(l.released) != transitions {
			t.Fatalf("listener called %d times, want %d", len(l.released), transitions)
		}
		want := int32(0)
		if recycled {
			want = 1
		}
		if got := res.recycled.Load(); got != want {
			t.Fatalf("resource recycled %d times, want %d", got, want)
		}
	})
}

func TestRecyclerDefersNestedRecycle(t *testing.T) {
	var posted []func()
	r := &recycler{post: func(fn func()) { posted = append(posted, fn) }}

	inner, _ := attachedHandle(newFakeResource("inner"))
	outer, _ := attachedHandle(&nestedResource{
		fakeResource: newFakeResource("outer"),
		onRecycle:    func() { r.recycle(inner) },
	})

	r.recycle(outer)
	assert.True(t, outer.recycled)
	assert.False(t, inner.recycled, "nested recycle should be deferred")
	require.Len(t, posted, 1)

	posted[0]()
	assert.True(t, inner.recycled)
}

type nestedResource struct {
	*fakeResource
	onRecycle func()
}

func (r *nestedResource) Recycle() {
	r.fakeResource.Recycle()
	r.onRecycle()
}
