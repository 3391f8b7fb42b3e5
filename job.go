// Copyright 2015 Daniel Pupius

package rcache

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type jobState int

const (
	jobPending jobState = iota
	jobRunning
	jobComplete
	jobFailed
	jobCancelled
)

func (s jobState) String() string {
	switch s {
	case jobPending:
		return "pending"
	case jobRunning:
		return "running"
	case jobComplete:
		return "complete"
	case jobFailed:
		return "failed"
	case jobCancelled:
		return "cancelled"
	}
	return "unknown"
}

// waiter is a callback attached to a job, with the executor it is called on.
type waiter struct {
	cb   Callback
	exec Executor
}

// job fans the outcome of one pipeline out to every caller waiting on the same
// key. Apart from the pipeline* methods, which are called from the worker the
// pipeline runs on, a job is only touched by the coordinator.
type job struct {
	id        string
	key       EngineKey
	engine    *Engine
	cacheable bool
	onlyCache bool
	log       *logrus.Entry

	state    jobState
	waiters  []*waiter
	pipeline *pipeline

	handle     *Handle
	dataSource DataSource
	err        error

	// pending counts deliveries that have been scheduled but have not
	// finished. While it is positive the job holds one reference on handle.
	pending  int
	released bool
}

func newJob(e *Engine, key EngineKey, req *Request) *job {
	j := &job{
		id:        uuid.NewString(),
		key:       key,
		engine:    e,
		cacheable: req.isMemoryCacheable(),
		onlyCache: req.OnlyRetrieveFromCache,
	}
	j.log = e.log.WithFields(logrus.Fields{"job": j.id, "source": key.Source})
	j.pipeline = newPipeline(j, req, key, e.disk, j.log)
	return j
}

// start schedules the pipeline. Pipelines that begin with a cache stage run on
// the disk executor and move to a source executor if they get that far.
func (j *job) start() {
	j.state = jobRunning
	exec := j.sourceExecutor()
	if j.pipeline.willDecodeFromCache() {
		exec = j.engine.diskExecutor
		j.pipeline.onDiskExecutor = true
	}
	j.log.WithField("stage", j.pipeline.stage).Debug("Starting job")
	if err := exec.Execute(j.pipeline.run); err != nil {
		j.log.WithError(err).Warn("Failed to schedule job")
		j.onLoadFailed(loadFailed(j.key, err))
	}
}

func (j *job) sourceExecutor() Executor {
	req := j.pipeline.req
	switch {
	case req.UseUnlimitedSourcePool:
		return j.engine.unlimitedExecutor
	case req.UseAnimationPool:
		return j.engine.animationExecutor
	}
	return j.engine.sourceExecutor
}

// pipelineReschedule moves p onto the source executor.
func (j *job) pipelineReschedule(p *pipeline) {
	if err := j.sourceExecutor().Execute(p.run); err != nil {
		j.pipelineFailed(loadFailed(j.key, err))
	}
}

func (j *job) pipelineReady(res Resource, ds DataSource) {
	if !j.engine.coord.post(func() { j.onResourceReady(res, ds) }) {
		res.Recycle()
	}
}

func (j *job) pipelineFailed(err error) {
	j.engine.coord.post(func() { j.onLoadFailed(err) })
}

func (j *job) isDone() bool {
	return j.state == jobComplete || j.state == jobFailed || j.state == jobCancelled
}

func (j *job) addCallback(w *waiter) {
	if j.state == jobCancelled {
		panic(contractViolation("cannot add a callback to a cancelled job: %s", j.key))
	}
	if j.released {
		panic(contractViolation("cannot add a callback to a released job: %s", j.key))
	}
	j.waiters = append(j.waiters, w)
	switch j.state {
	case jobComplete:
		j.incrementPending(1)
		j.schedule(w, j.callResourceReady)
	case jobFailed:
		j.incrementPending(1)
		j.schedule(w, j.callLoadFailed)
	}
}

func (j *job) removeCallback(w *waiter) {
	j.removeWaiter(w)
	if len(j.waiters) > 0 {
		return
	}
	if !j.isDone() {
		j.cancel()
		return
	}
	if j.state != jobCancelled && j.pending == 0 {
		j.release()
	}
}

func (j *job) hasWaiter(w *waiter) bool {
	for _, o := range j.waiters {
		if o == w {
			return true
		}
	}
	return false
}

func (j *job) removeWaiter(w *waiter) {
	for i, o := range j.waiters {
		if o == w {
			j.waiters = append(j.waiters[:i], j.waiters[i+1:]...)
			return
		}
	}
}

func (j *job) cancel() {
	if j.isDone() {
		return
	}
	j.state = jobCancelled
	j.pipeline.cancel()
	j.engine.onJobCancelled(j)
	j.log.Debug("Cancelled job")
}

func (j *job) onResourceReady(res Resource, ds DataSource) {
	if j.state == jobCancelled {
		res.Recycle()
		j.release()
		return
	}
	if j.isDone() {
		panic(contractViolation("job already finished: %s", j.key))
	}

	h := newHandle(res, j.cacheable)
	j.engine.attach(j.key, h)
	j.handle = h
	j.dataSource = ds
	j.state = jobComplete

	// Hold a reference for the whole fan-out so an early release by one
	// waiter cannot recycle the resource under the others.
	waiters := append([]*waiter(nil), j.waiters...)
	j.incrementPending(len(waiters) + 1)
	j.engine.onJobComplete(j, h)
	for _, w := range waiters {
		j.schedule(w, j.callResourceReady)
	}
	j.decrementPending()
}

func (j *job) onLoadFailed(err error) {
	if j.state == jobCancelled {
		j.release()
		return
	}
	if j.isDone() {
		panic(contractViolation("job already finished: %s", j.key))
	}

	j.err = err
	j.state = jobFailed
	j.log.WithError(err).Debug("Load failed")

	waiters := append([]*waiter(nil), j.waiters...)
	j.incrementPending(len(waiters) + 1)
	j.engine.onJobComplete(j, nil)
	for _, w := range waiters {
		j.schedule(w, j.callLoadFailed)
	}
	j.decrementPending()
}

// schedule runs call for w on w's executor. If the executor refuses the task
// it gets a goroutine of its own; a waiter is never silently dropped.
//
// Executors passed in with a request may run the task inline or block, so
// they are handed the task from a separate goroutine, never from the
// coordinator.
func (j *job) schedule(w *waiter, call func(w *waiter)) {
	task := func() { call(w) }
	handOff := func() {
		if err := w.exec.Execute(task); err != nil {
			j.log.WithError(err).Debug("Callback executor refused delivery")
			go task()
		}
	}
	if w.exec == Executor(j.engine.callbacks) {
		handOff()
		return
	}
	go handOff()
}

// callResourceReady runs on the waiter's executor.
func (j *job) callResourceReady(w *waiter) {
	var (
		h       *Handle
		ds      DataSource
		deliver bool
	)
	err := j.engine.coord.do(func() {
		// A waiter removed since delivery was scheduled is skipped, and one
		// that was delivered to is removed so it is never notified twice.
		if j.hasWaiter(w) {
			j.handle.acquire()
			j.removeWaiter(w)
			h, ds, deliver = j.handle, j.dataSource, true
		}
	})
	if err != nil {
		return
	}
	if deliver {
		j.engine.invoke(func() { w.cb.OnResourceReady(h, ds) })
	}
	j.engine.coord.post(j.decrementPending)
}

// callLoadFailed runs on the waiter's executor.
func (j *job) callLoadFailed(w *waiter) {
	var (
		cause   error
		deliver bool
	)
	err := j.engine.coord.do(func() {
		if j.hasWaiter(w) {
			j.removeWaiter(w)
			cause, deliver = j.err, true
		}
	})
	if err != nil {
		return
	}
	if deliver {
		j.engine.invoke(func() { w.cb.OnLoadFailed(cause) })
	}
	j.engine.coord.post(j.decrementPending)
}

func (j *job) incrementPending(n int) {
	if !j.isDone() {
		panic(contractViolation("cannot schedule deliveries before the job is done: %s", j.key))
	}
	if j.pending == 0 && j.handle != nil {
		j.handle.acquire()
	}
	j.pending += n
}

func (j *job) decrementPending() {
	if j.pending <= 0 {
		panic(contractViolation("no deliveries pending: %s", j.key))
	}
	j.pending--
	if j.pending == 0 {
		if j.handle != nil {
			j.handle.releaseRef()
		}
		j.release()
	}
}

// release drops everything the job holds. Waiters still attached at this
// point have either been delivered to or removed.
func (j *job) release() {
	if j.released {
		return
	}
	j.released = true
	j.waiters = nil
	j.handle = nil
	j.pipeline = nil
}
