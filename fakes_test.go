// Copyright 2015 Daniel Pupius

package rcache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dpup/rcache/cachekey"
)

type fakeResource struct {
	value    string
	size     int
	recycled atomic.Int32
}

func newFakeResource(value string) *fakeResource {
	return &fakeResource{value: value, size: len(value)}
}

func (r *fakeResource) Get() any  { return r.value }
func (r *fakeResource) Size() int { return r.size }
func (r *fakeResource) Recycle()  { r.recycled.Add(1) }

type fakeSource struct {
	id   string
	data []byte
	err  error
	ds   DataSource

	// block, if set, holds LoadData until it is closed or the load is
	// cancelled.
	block   chan struct{}
	started chan struct{}

	fetches  atomic.Int32
	cleanups atomic.Int32
	cancels  atomic.Int32
}

func newFakeSource(id, data string) *fakeSource {
	return &fakeSource{id: id, data: []byte(data), ds: Remote, started: make(chan struct{}, 16)}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Fetcher(width, height int, opts Options) DataFetcher {
	return &fakeFetcher{src: s}
}

type fakeFetcher struct {
	src *fakeSource
}

func (f *fakeFetcher) LoadData(ctx context.Context, priority Priority) ([]byte, error) {
	f.src.fetches.Add(1)
	select {
	case f.src.started <- struct{}{}:
	default:
	}
	if f.src.block != nil {
		select {
		case <-f.src.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.src.err != nil {
		return nil, f.src.err
	}
	return f.src.data, nil
}

func (f *fakeFetcher) Cleanup()               { f.src.cleanups.Add(1) }
func (f *fakeFetcher) Cancel()                { f.src.cancels.Add(1) }
func (f *fakeFetcher) DataSource() DataSource { return f.src.ds }

// textDecoder decodes data into a string resource. Data starting with "bad"
// fails to decode.
type textDecoder struct {
	id      string
	class   string
	decodes atomic.Int32

	mu      sync.Mutex
	decoded []*fakeResource
}

func newTextDecoder() *textDecoder {
	return &textDecoder{id: "text", class: "string"}
}

func (d *textDecoder) ID() string            { return d.id }
func (d *textDecoder) ResourceClass() string { return d.class }

func (d *textDecoder) Handles(data []byte, opts Options) bool {
	return true
}

func (d *textDecoder) Decode(data []byte, width, height int, opts Options) (Resource, error) {
	d.decodes.Add(1)
	if strings.HasPrefix(string(data), "bad") {
		return nil, fmt.Errorf("cannot decode %q", data)
	}
	res := newFakeResource(string(data))
	d.mu.Lock()
	d.decoded = append(d.decoded, res)
	d.mu.Unlock()
	return res, nil
}

func (d *textDecoder) last() *fakeResource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.decoded) == 0 {
		return nil
	}
	return d.decoded[len(d.decoded)-1]
}

type upperTransformation struct{}

func (upperTransformation) ID() string { return "upper" }

func (upperTransformation) Transform(res Resource, width, height int) (Resource, error) {
	return newFakeResource(strings.ToUpper(res.Get().(string))), nil
}

// sameTransformation returns its input unchanged.
type sameTransformation struct{}

func (sameTransformation) ID() string { return "same" }

func (sameTransformation) Transform(res Resource, width, height int) (Resource, error) {
	return res, nil
}

type textEncoder struct{}

func (textEncoder) ID() string { return "text" }

func (textEncoder) Encode(res Resource, w io.Writer, opts Options) error {
	_, err := io.WriteString(w, res.Get().(string))
	return err
}

type prefixTranscoder struct{}

func (prefixTranscoder) ID() string { return "prefix" }

func (prefixTranscoder) Transcode(res Resource, opts Options) (Resource, error) {
	return newFakeResource("t:" + res.Get().(string)), nil
}

// mapDiskCache is an in-memory DiskCache that counts calls.
type mapDiskCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	putErr  error

	gets    atomic.Int32
	puts    atomic.Int32
	deletes atomic.Int32
}

func newMapDiskCache() *mapDiskCache {
	return &mapDiskCache{entries: make(map[string][]byte)}
}

func (c *mapDiskCache) addr(key cachekey.Key) string {
	d, err := cachekey.Address(key)
	if err != nil {
		panic(err)
	}
	return d.String()
}

func (c *mapDiskCache) Get(key cachekey.Key) ([]byte, error) {
	c.gets.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[c.addr(key)], nil
}

func (c *mapDiskCache) Put(key cachekey.Key, write func(w io.Writer) error) error {
	c.puts.Add(1)
	if c.putErr != nil {
		return c.putErr
	}
	var b strings.Builder
	if err := write(&b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.addr(key)] = []byte(b.String())
	return nil
}

func (c *mapDiskCache) Delete(key cachekey.Key) error {
	c.deletes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.addr(key))
	return nil
}

func (c *mapDiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

func (c *mapDiskCache) has(key cachekey.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[c.addr(key)]
	return ok
}

func (c *mapDiskCache) set(key cachekey.Key, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.addr(key)] = []byte(data)
}

// manualExecutor queues tasks until the test runs them.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *manualExecutor) Execute(task func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

// run waits until n tasks have been queued and runs them.
func (m *manualExecutor) run(t *testing.T, n int) {
	t.Helper()
	ran := 0
	require.Eventually(t, func() bool {
		ran += m.runAll()
		return ran >= n
	}, time.Second, time.Millisecond)
	require.Equal(t, n, ran)
}

// inlineExecutor runs every task on the calling goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Execute(task func()) error {
	task()
	return nil
}

func (m *manualExecutor) runAll() int {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

type readyEvent struct {
	h  *Handle
	ds DataSource
}

// recorder is a Callback that records what it was told.
type recorder struct {
	ready  chan readyEvent
	failed chan error
}

func newRecorder() *recorder {
	return &recorder{ready: make(chan readyEvent, 16), failed: make(chan error, 16)}
}

func (r *recorder) OnResourceReady(h *Handle, ds DataSource) { r.ready <- readyEvent{h, ds} }
func (r *recorder) OnLoadFailed(err error)                   { r.failed <- err }

func (r *recorder) waitReady(t *testing.T) readyEvent {
	t.Helper()
	select {
	case ev := <-r.ready:
		return ev
	case err := <-r.failed:
		t.Fatalf("expected resource, load failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resource")
	}
	return readyEvent{}
}

func (r *recorder) waitFailed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failed:
		return err
	case ev := <-r.ready:
		t.Fatalf("expected failure, got resource %v", ev.h.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	return nil
}

// assertSilent checks that nothing is delivered for a while.
func (r *recorder) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ready:
		t.Fatalf("unexpected resource %v", ev.h.Get())
	case err := <-r.failed:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

var engineCount atomic.Int32

// newTestEngine returns an engine with a unique expvar name that fails the
// test on any reported error.
func newTestEngine(t *testing.T, config Config, opts ...Option) *Engine {
	t.Helper()
	if config.SweepInterval == "" {
		config.SweepInterval = "0"
	}
	if config.LogLevel == "" {
		config.LogLevel = "error"
	}
	name := fmt.Sprintf("%s-%d", t.Name(), engineCount.Add(1))
	opts = append([]Option{WithErrorHandler(func(err error) {
		t.Errorf("unexpected engine error: %v", err)
	})}, opts...)
	e, err := New(name, config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Shutdown(ctx))
	})
	return e
}

func textRequest(src *fakeSource, dec *textDecoder) Request {
	return Request{
		Source:   src,
		Width:    100,
		Height:   100,
		Decoders: []Decoder{dec},
	}
}

// onCoordinator reads engine state from the coordinator.
func onCoordinator[T any](t *testing.T, e *Engine, fn func() T) T {
	t.Helper()
	var v T
	require.NoError(t, e.coord.do(func() { v = fn() }))
	return v
}

// requireAcquired waits for deliveries in flight to settle and checks the
// reference count of h.
func requireAcquired(t *testing.T, e *Engine, h *Handle, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got int
		e.coord.do(func() { got = h.acquired })
		return got == want
	}, time.Second, time.Millisecond)
}
