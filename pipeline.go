// Copyright 2015 Daniel Pupius

package rcache

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dpup/rcache/cachekey"
)

type stage int

const (
	stageInitialize stage = iota
	stageResultCache
	stageSourceCache
	stageSource
	stageFinished
)

func (s stage) String() string {
	switch s {
	case stageInitialize:
		return "initialize"
	case stageResultCache:
		return "result-cache"
	case stageSourceCache:
		return "source-cache"
	case stageSource:
		return "source"
	case stageFinished:
		return "finished"
	}
	return "unknown"
}

type outcome int

const (
	// miss moves on to the next stage.
	miss outcome = iota
	// hit ends the load with a resource.
	hit
	// fatal ends the load with an error.
	fatal
)

type stageResult struct {
	outcome    outcome
	resource   Resource
	dataSource DataSource
	err        error
}

func missed(err error) stageResult {
	return stageResult{outcome: miss, err: err}
}

func found(res Resource, ds DataSource) stageResult {
	return stageResult{outcome: hit, resource: res, dataSource: ds}
}

func failed(err error) stageResult {
	return stageResult{outcome: fatal, err: err}
}

// pipelineListener is notified, from the pipeline's goroutine, of the single
// outcome of a run.
type pipelineListener interface {
	pipelineReady(res Resource, ds DataSource)
	pipelineFailed(err error)
	pipelineReschedule(p *pipeline)
}

// pipeline produces the resource for one job, trying the result cache, then
// the source cache, then the source itself. A run may be split across two
// executors but never runs on two goroutines at once.
type pipeline struct {
	listener pipelineListener
	req      *Request
	key      EngineKey
	disk     DiskCache
	log      *logrus.Entry

	stage          stage
	onDiskExecutor bool
	causes         error
	reported       bool

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	fetcher DataFetcher
}

func newPipeline(listener pipelineListener, req *Request, key EngineKey, disk DiskCache, log *logrus.Entry) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		listener:  listener,
		req:       req,
		key:       key,
		disk:      disk,
		log:       log,
		ctx:       ctx,
		cancelCtx: cancel,
	}
	p.stage = p.nextStage(stageInitialize)
	return p
}

func (p *pipeline) nextStage(current stage) stage {
	strategy := p.req.DiskCacheStrategy
	switch current {
	case stageInitialize:
		if p.disk != nil && p.req.Encoder != nil && strategy.DecodeCachedResult() {
			return stageResultCache
		}
		return p.nextStage(stageResultCache)
	case stageResultCache:
		if p.disk != nil && strategy.DecodeCachedSource() {
			return stageSourceCache
		}
		return p.nextStage(stageSourceCache)
	case stageSourceCache:
		if p.req.OnlyRetrieveFromCache {
			return stageFinished
		}
		return stageSource
	}
	return stageFinished
}

func (p *pipeline) willDecodeFromCache() bool {
	return p.stage == stageResultCache || p.stage == stageSourceCache
}

// cancel stops the pipeline at the next stage boundary and interrupts any
// fetch in progress. Safe to call from any goroutine.
func (p *pipeline) cancel() {
	p.cancelled.Store(true)
	p.cancelCtx()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetcher != nil {
		p.fetcher.Cancel()
	}
}

func (p *pipeline) isCancelled() bool {
	return p.cancelled.Load()
}

// run executes stages from the current one until the load is decided.
func (p *pipeline) run() {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Wrap(panicError(r), errors.CodeInternal, "unexpected panic in pipeline")
			p.log.WithError(err).WithField("stage", p.stage).Error("Pipeline panicked")
			p.causes = multierr.Append(p.causes, err)
			p.fail()
		}
	}()

	for p.stage != stageFinished {
		if p.isCancelled() {
			p.notifyFailed(ErrCancelled)
			return
		}
		if p.stage == stageSource && p.onDiskExecutor {
			p.onDiskExecutor = false
			p.log.Debug("Cache stages missed, moving to source executor")
			p.listener.pipelineReschedule(p)
			return
		}

		result := p.runStage(p.stage)
		switch result.outcome {
		case hit:
			if p.isCancelled() {
				result.resource.Recycle()
				p.notifyFailed(ErrCancelled)
				return
			}
			p.log.WithFields(logrus.Fields{
				"stage":      p.stage,
				"dataSource": result.dataSource,
			}).Debug("Resource ready")
			p.notifyReady(result.resource, result.dataSource)
			return
		case fatal:
			if p.isCancelled() {
				p.notifyFailed(ErrCancelled)
				return
			}
			p.causes = multierr.Append(p.causes, result.err)
			p.fail()
			return
		}
		p.causes = multierr.Append(p.causes, result.err)
		p.stage = p.nextStage(p.stage)
	}

	if p.isCancelled() {
		p.notifyFailed(ErrCancelled)
		return
	}
	if p.req.OnlyRetrieveFromCache {
		p.causes = multierr.Append(p.causes, ErrNotCached)
	}
	p.fail()
}

func (p *pipeline) runStage(s stage) stageResult {
	switch s {
	case stageResultCache:
		return p.decodeFromResultCache()
	case stageSourceCache:
		return p.decodeFromSourceCache()
	case stageSource:
		return p.decodeFromSource()
	}
	return failed(contractViolation("unrecognized stage %s", s))
}

func (p *pipeline) fail() {
	p.notifyFailed(loadFailed(p.key, p.causes))
}

func (p *pipeline) notifyReady(res Resource, ds DataSource) {
	if p.reported {
		return
	}
	p.reported = true
	p.cancelCtx()
	p.listener.pipelineReady(res, ds)
}

func (p *pipeline) notifyFailed(err error) {
	if p.reported {
		return
	}
	p.reported = true
	p.cancelCtx()
	p.listener.pipelineFailed(err)
}

func (p *pipeline) decodeFromResultCache() stageResult {
	var causes error
	for _, d := range p.req.Decoders {
		if p.isCancelled() {
			return missed(causes)
		}
		key := p.req.resultKey(d, p.req.transformationFor(d.ResourceClass()))
		data, err := p.disk.Get(key)
		if err != nil {
			causes = multierr.Append(causes, err)
			continue
		}
		if data == nil {
			continue
		}

		res, err := decodeWith(d, data, p.req)
		if err == nil {
			res, err = p.transcode(res)
		}
		if err != nil {
			p.log.WithError(err).WithField("decoder", d.ID()).Debug("Discarding unreadable cached result")
			causes = multierr.Append(causes, err)
			p.deleteEntry(key)
			continue
		}
		return found(res, ResultCache)
	}
	return missed(causes)
}

func (p *pipeline) decodeFromSourceCache() stageResult {
	key := p.req.originalKey()
	data, err := p.disk.Get(key)
	if err != nil {
		return missed(err)
	}
	if data == nil {
		return missed(nil)
	}

	res, err := p.decodeSource(data, SourceCache)
	if err != nil {
		if !p.isCancelled() {
			p.log.WithError(err).Debug("Discarding unreadable cached source")
			p.deleteEntry(key)
		}
		return missed(err)
	}
	return found(res, SourceCache)
}

func (p *pipeline) decodeFromSource() stageResult {
	fetcher := p.req.Source.Fetcher(p.req.Width, p.req.Height, p.req.Options)
	p.setFetcher(fetcher)
	defer func() {
		p.setFetcher(nil)
		fetcher.Cleanup()
	}()

	data, err := fetcher.LoadData(p.ctx, p.req.Priority)
	if err != nil {
		return failed(errors.Wrapf(err, CodeFetchFailed, "failed to fetch %s", p.key.Source))
	}
	if p.isCancelled() {
		return missed(nil)
	}
	if data == nil {
		return failed(errors.Newf(CodeFetchFailed, "fetcher for %s returned no data", p.key.Source))
	}

	ds := fetcher.DataSource()
	if p.disk != nil && p.req.DiskCacheStrategy.CacheSource(ds) {
		if cached := p.cacheSource(data); cached != nil {
			data = cached
		}
	}

	res, err := p.decodeSource(data, ds)
	if err != nil {
		return missed(err)
	}
	return found(res, ds)
}

// cacheSource writes data to the source cache and reads it back, so the
// resource is decoded from exactly what later loads will see. It returns nil
// if either step fails.
func (p *pipeline) cacheSource(data []byte) []byte {
	key := p.req.originalKey()
	err := p.disk.Put(key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		p.log.WithError(err).Warn("Failed to write source to disk cache")
		return nil
	}
	cached, err := p.disk.Get(key)
	if err != nil || cached == nil {
		p.log.WithError(err).Warn("Failed to read back cached source")
		return nil
	}
	return cached
}

func (p *pipeline) setFetcher(f DataFetcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetcher = f
	if f != nil && p.isCancelled() {
		f.Cancel()
	}
}

// decodeSource turns raw data into the requested resource: decode, transform,
// optionally persist the transformed result, then transcode.
func (p *pipeline) decodeSource(data []byte, ds DataSource) (Resource, error) {
	res, d, err := p.decode(data)
	if err != nil {
		return nil, err
	}
	if p.isCancelled() {
		res.Recycle()
		return nil, ErrCancelled
	}

	t := p.req.transformationFor(d.ResourceClass())
	transformed, err := p.transform(res, t)
	if err != nil {
		return nil, err
	}
	if p.isCancelled() {
		transformed.Recycle()
		return nil, ErrCancelled
	}

	if p.req.Encoder != nil && p.req.DiskCacheStrategy.CacheResult(ds) {
		p.writeResult(d, t, transformed)
	}
	return p.transcode(transformed)
}

// decode tries each decoder that claims the data in turn.
func (p *pipeline) decode(data []byte) (Resource, Decoder, error) {
	var causes error
	for _, d := range p.req.Decoders {
		if !d.Handles(data, p.req.Options) {
			continue
		}
		res, err := decodeWith(d, data, p.req)
		if err == nil {
			return res, d, nil
		}
		causes = multierr.Append(causes, err)
	}
	if causes == nil {
		return nil, nil, errors.Newf(CodeDecodeFailed, "no decoder handles data for %s", p.key.Source)
	}
	return nil, nil, causes
}

func decodeWith(d Decoder, data []byte, req *Request) (Resource, error) {
	res, err := d.Decode(data, req.Width, req.Height, req.Options)
	if err != nil {
		return nil, errors.Wrapf(err, CodeDecodeFailed, "decoder %s failed", d.ID())
	}
	if res == nil {
		return nil, errors.Newf(CodeDecodeFailed, "decoder %s returned no resource", d.ID())
	}
	return res, nil
}

// transform applies t to res. The input is recycled if it is replaced, or if
// the transformation fails.
func (p *pipeline) transform(res Resource, t Transformation) (Resource, error) {
	if t == nil {
		return res, nil
	}
	out, err := t.Transform(res, p.req.Width, p.req.Height)
	if err == nil && out == nil {
		err = fmt.Errorf("transformation returned no resource")
	}
	if err != nil {
		res.Recycle()
		return nil, errors.Wrapf(err, CodeDecodeFailed, "transformation %s failed", t.ID())
	}
	if out != res {
		res.Recycle()
	}
	return out, nil
}

// transcode converts res with the request's transcoder. On failure the input
// is recycled here; on success it belongs to the output.
func (p *pipeline) transcode(res Resource) (Resource, error) {
	tc := p.req.Transcoder
	if tc == nil {
		return res, nil
	}
	out, err := tc.Transcode(res, p.req.Options)
	if err == nil && out == nil {
		err = fmt.Errorf("transcoder returned no resource")
	}
	if err != nil {
		res.Recycle()
		return nil, errors.Wrapf(err, CodeDecodeFailed, "transcoder %s failed", tc.ID())
	}
	return out, nil
}

func (p *pipeline) writeResult(d Decoder, t Transformation, res Resource) {
	key := p.req.resultKey(d, t)
	err := p.disk.Put(key, func(w io.Writer) error {
		return p.req.Encoder.Encode(res, w, p.req.Options)
	})
	if err != nil {
		p.log.WithError(err).Warn("Failed to write result to disk cache")
	}
}

func (p *pipeline) deleteEntry(key cachekey.Key) {
	if err := p.disk.Delete(key); err != nil {
		p.log.WithError(err).Warn("Failed to delete disk cache entry")
	}
}
