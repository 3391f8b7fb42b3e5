// Copyright 2015 Daniel Pupius

package rcache

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dpup/rcache/diskcache"
	"github.com/dpup/rcache/workerpool"
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Engine loads resources through the memory, disk and source tiers,
// deduplicating concurrent loads of the same key.
type Engine struct {
	name   string
	config Config
	logger *logrus.Logger
	log    *logrus.Entry

	coord     *coordinator
	callbacks *workerpool.Serial
	recycler  *recycler

	diskExecutor      Executor
	sourceExecutor    Executor
	unlimitedExecutor Executor
	animationExecutor Executor
	owned             []shutdowner

	disk      DiskCache
	ownedDisk *diskcache.Store
	memory    MemoryCache

	// Owned by the coordinator.
	active *activeResources
	jobs   *jobs

	errorHandler func(err error)
	stats        *expvar.Map

	stopSweep chan struct{}
	sweepDone chan struct{}
	shutdown  atomic.Bool
}

type Option func(e *Engine)

// WithDiskCache sets the disk tier. It takes precedence over
// Config.DiskCacheDir; the engine does not close it.
func WithDiskCache(dc DiskCache) Option {
	return func(e *Engine) { e.disk = dc }
}

// WithMemoryCache replaces the default LRU. The engine registers itself as the
// cache's removal listener.
func WithMemoryCache(mc MemoryCache) Option {
	return func(e *Engine) { e.memory = mc }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithErrorHandler sets the function that receives panics raised by callbacks,
// as *CallbackError, and lifecycle contract violations. The default handler
// panics.
func WithErrorHandler(fn func(err error)) Option {
	return func(e *Engine) { e.errorHandler = fn }
}

// WithExecutors replaces the executors pipelines run on. Nil arguments keep
// the defaults. The engine does not shut down executors it did not create.
func WithExecutors(disk, source, unlimited, animation Executor) Option {
	return func(e *Engine) {
		e.diskExecutor = disk
		e.sourceExecutor = source
		e.unlimitedExecutor = unlimited
		e.animationExecutor = animation
	}
}

// New returns an engine. The name identifies its stats in expvar and must be
// unique within the process.
func New(name string, config Config, opts ...Option) (*Engine, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	sweep, _ := config.sweepInterval()

	e := &Engine{
		name:         name,
		config:       config,
		errorHandler: func(err error) { panic(err) },
		jobs:         newJobs(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logrus.New()
		level, _ := logrus.ParseLevel(config.LogLevel)
		e.logger.SetLevel(level)
	}
	e.log = e.logger.WithField("engine", name)

	if e.disk == nil && config.DiskCacheDir != "" {
		store, err := diskcache.Open(diskcache.Config{
			Path:             config.DiskCacheDir,
			MinimumFreeSpace: config.DiskCacheMinFreeGB,
			Logger:           e.logger,
		})
		if err != nil {
			return nil, err
		}
		e.disk = store
		e.ownedDisk = store
	}

	if e.memory == nil {
		lru := NewLRU(name, config.MemoryCacheSize, config.MemoryCacheEntries)
		lru.SetLogger(e.logger)
		e.memory = lru
	}

	e.diskExecutor = e.ownExecutor(e.diskExecutor, func() Executor {
		return workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.DiskCacheWorkers, GlobalBuffer: config.QueueSize})
	})
	e.sourceExecutor = e.ownExecutor(e.sourceExecutor, func() Executor {
		return workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.SourceWorkers, GlobalBuffer: config.QueueSize})
	})
	e.unlimitedExecutor = e.ownExecutor(e.unlimitedExecutor, func() Executor {
		return workerpool.NewUnlimited()
	})
	e.animationExecutor = e.ownExecutor(e.animationExecutor, func() Executor {
		return workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.AnimationWorkers, GlobalBuffer: config.QueueSize})
	})

	e.coord = newCoordinator(e.reportError)
	e.callbacks = workerpool.NewSerial()
	e.recycler = &recycler{post: func(fn func()) { e.coord.post(fn) }}
	e.active = newActiveResources(e.coord.post, e.onResourceReclaimed)
	e.memory.SetRemovedListener(e.onResourceEvicted)
	e.stats = expvar.NewMap(fmt.Sprintf("engine (%s)", name))

	if sweep > 0 {
		e.stopSweep = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweepLoop(sweep)
	}

	e.log.WithFields(logrus.Fields{
		"memoryCacheSize": config.MemoryCacheSize,
		"diskCache":       e.disk != nil,
		"sweepInterval":   sweep,
	}).Debug("Engine started")
	return e, nil
}

func (e *Engine) ownExecutor(exec Executor, create func() Executor) Executor {
	if exec != nil {
		return exec
	}
	exec = create()
	e.owned = append(e.owned, exec.(shutdowner))
	return exec
}

// LoadStatus lets a caller stop waiting for a load.
type LoadStatus struct {
	engine *Engine
	job    *job
	waiter *waiter
}

// Cancel detaches the callback. The job behind it is cancelled if no other
// callback is waiting. Cancelling after the callback was called has no effect.
// After Shutdown it returns ErrShutdown; the load was already cancelled.
func (s *LoadStatus) Cancel() error {
	return s.engine.coord.do(func() {
		s.job.removeCallback(s.waiter)
	})
}

// Load starts loading the resource described by req and reports the outcome to
// cb.
//
// A resource that is already in use or in the memory cache is passed to cb
// before Load returns, and the returned status is nil. Otherwise cb is called
// later on req.CallbackExecutor, or on the engine's own callback goroutine.
//
// Load must not be called from Resource.Recycle or from an Executor task the
// engine is itself waiting on.
func (e *Engine) Load(req Request, cb Callback) (*LoadStatus, error) {
	if cb == nil {
		return nil, errors.New(errors.CodeInvalidInput, "callback is required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	key := keyFor(&req)

	var (
		cached *Handle
		status *LoadStatus
		err    error
	)
	doErr := e.coord.do(func() {
		if e.shutdown.Load() {
			err = ErrShutdown
			return
		}
		e.stats.Add("loads", 1)

		if req.isMemoryCacheable() {
			if cached = e.loadFromActive(key); cached != nil {
				e.stats.Add("activeHits", 1)
				return
			}
			if cached = e.loadFromMemory(key); cached != nil {
				e.stats.Add("memoryHits", 1)
				return
			}
		}

		w := &waiter{cb: cb, exec: req.CallbackExecutor}
		if w.exec == nil {
			w.exec = e.callbacks
		}

		if j := e.jobs.get(key, req.OnlyRetrieveFromCache); j != nil {
			j.addCallback(w)
			status = &LoadStatus{engine: e, job: j, waiter: w}
			e.stats.Add("jobsJoined", 1)
			j.log.Debug("Added to existing job")
			return
		}

		j := newJob(e, key, &req)
		e.jobs.put(key, j)
		j.addCallback(w)
		status = &LoadStatus{engine: e, job: j, waiter: w}
		e.stats.Add("jobsStarted", 1)
		j.start()
	})
	if doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}

	if cached != nil {
		e.invoke(func() { cb.OnResourceReady(cached, FromMemoryCache) })
		return nil, nil
	}
	return status, nil
}

// Get loads req and waits for the outcome, or for ctx to be done. The caller
// owns a reference on the returned handle.
func (e *Engine) Get(ctx context.Context, req Request) (*Handle, DataSource, error) {
	type result struct {
		h   *Handle
		ds  DataSource
		err error
	}
	var (
		mu        sync.Mutex
		abandoned bool
		results   = make(chan result, 1)
	)
	cb := Funcs{
		Ready: func(h *Handle, ds DataSource) {
			mu.Lock()
			defer mu.Unlock()
			if abandoned {
				h.Release()
				return
			}
			results <- result{h: h, ds: ds}
		},
		Failed: func(err error) {
			results <- result{err: err}
		},
	}

	status, err := e.Load(req, cb)
	if err != nil {
		return nil, 0, err
	}

	select {
	case r := <-results:
		return r.h, r.ds, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		select {
		case r := <-results:
			if r.h != nil {
				r.h.Release()
			}
		default:
		}
		if status != nil {
			status.Cancel()
		}
		return nil, 0, errors.Wrap(ctx.Err(), CodeCancelled, "gave up waiting for resource")
	}
}

func (e *Engine) loadFromActive(key EngineKey) *Handle {
	h := e.active.get(key)
	if h != nil {
		h.acquire()
	}
	return h
}

func (e *Engine) loadFromMemory(key EngineKey) *Handle {
	h := e.memory.Remove(key)
	if h != nil {
		h.acquire()
		e.active.activate(key, h)
	}
	return h
}

// attach ties h to key and routes its releases through the engine.
func (e *Engine) attach(key EngineKey, h *Handle) {
	h.attach(key, e)
	h.release = e.releaseHandle
}

func (e *Engine) releaseHandle(h *Handle) {
	if !e.coord.post(h.releaseRef) {
		e.log.WithField("key", h.key.Source).Debug("Release after shutdown ignored")
	}
}

func (e *Engine) onJobComplete(j *job, h *Handle) {
	if h != nil && h.cacheable {
		e.active.activate(j.key, h)
	}
	e.jobs.removeIfCurrent(j.key, j)
	if h != nil {
		e.stats.Add("jobsCompleted", 1)
	} else {
		e.stats.Add("jobsFailed", 1)
	}
}

func (e *Engine) onJobCancelled(j *job) {
	e.jobs.removeIfCurrent(j.key, j)
	e.stats.Add("jobsCancelled", 1)
}

func (e *Engine) onResourceReleased(key EngineKey, h *Handle) {
	e.active.deactivate(key, h)
	if h.cacheable && !h.invalidated && !e.shutdown.Load() {
		e.memory.Put(key, h)
		return
	}
	e.recycler.recycle(h)
}

func (e *Engine) onResourceEvicted(h *Handle) {
	e.stats.Add("evictions", 1)
	e.recycler.recycle(h)
}

// onResourceReclaimed handles a resource whose handle was garbage collected
// while still acquired. It is released as if the holders had done so.
func (e *Engine) onResourceReclaimed(key EngineKey, res Resource) {
	e.stats.Add("reclaimed", 1)
	e.log.WithField("key", key.Source).Warn("Resource handle was dropped without being released")
	h := newHandle(res, true)
	e.attach(key, h)
	e.onResourceReleased(key, h)
}

// invoke runs a callback, turning a panic into a CallbackError for the error
// handler.
func (e *Engine) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.Add("callbackPanics", 1)
			e.errorHandler(newCallbackError(r))
		}
	}()
	fn()
}

func (e *Engine) reportError(err error) {
	e.log.WithError(err).Error("Engine task failed")
	e.errorHandler(err)
}

func (e *Engine) sweepLoop(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.coord.post(func() {
				if n := e.active.sweep(); n > 0 {
					e.log.WithField("reclaimed", n).Debug("Swept active resources")
				}
			})
		case <-e.stopSweep:
			return
		}
	}
}

// ClearMemory evicts every resource in the memory cache. Resources in use are
// unaffected.
func (e *Engine) ClearMemory() error {
	return e.coord.do(e.memory.Clear)
}

// ClearDiskCache removes every disk cache entry. It blocks on disk I/O.
func (e *Engine) ClearDiskCache() error {
	if e.disk == nil {
		return nil
	}
	return e.disk.Clear()
}

// Stats returns the engine's counters.
func (e *Engine) Stats() map[string]int64 {
	stats := make(map[string]int64)
	e.stats.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			stats[kv.Key] = v.Value()
		}
	})
	stats["pendingCallbacks"] = int64(e.callbacks.Len())
	if e.ownedDisk != nil {
		reads, writes := e.ownedDisk.Stats()
		stats["diskReads"] = int64(reads)
		stats["diskWrites"] = int64(writes)
	}
	return stats
}

// Shutdown cancels loads in flight, waits for running pipelines and pending
// callbacks, recycles the memory cache and closes the disk cache if the engine
// opened it. Callbacks of cancelled loads are not called.
//
// If ctx is done first Shutdown returns its error, and a disk cache that
// pipelines may still be using is left open.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if e.stopSweep != nil {
		close(e.stopSweep)
		<-e.sweepDone
	}

	err := e.coord.doContext(ctx, func() {
		inFlight := e.jobs.all()
		for _, j := range inFlight {
			j.cancel()
		}
		e.log.WithField("cancelled", len(inFlight)).Info("Shutting down engine")
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.owned {
		g.Go(func() error { return s.Shutdown(gctx) })
	}
	poolErr := g.Wait()
	err = multierr.Append(err, poolErr)

	err = multierr.Append(err, e.callbacks.Shutdown(ctx))
	err = multierr.Append(err, e.coord.doContext(ctx, e.memory.Clear))
	err = multierr.Append(err, e.coord.shutdown(ctx))
	if e.ownedDisk != nil && poolErr == nil {
		err = multierr.Append(err, e.ownedDisk.Close())
	}
	if err != nil {
		e.log.WithError(err).Warn("Engine did not shut down cleanly")
	}
	return err
}
