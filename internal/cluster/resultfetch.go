package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmguard/dagscheduler/internal/resilience"
	"github.com/swarmguard/dagscheduler/internal/task"
)

// resultFetchWorkers is the fixed pool size moving large-result decode
// and remote fetch work off the StatusUpdate call path.
const resultFetchWorkers = 8

type fetchJob struct {
	ctx    context.Context
	update StatusUpdate
	job    *Job
	tried  int
	onDone func()
}

// ResultFetcher decodes terminal status updates' result payloads on a
// worker pool, guarded by a circuit breaker, so a stalled or dead
// executor host serving large shuffle/result data cannot stall the
// scheduler's single-mutex offer/status path.
type ResultFetcher struct {
	decoder ResultDecoder
	jobs    chan fetchJob
	breaker *resilience.CircuitBreaker
	client  *http.Client
}

// NewResultFetcher builds a fetcher over decoder with resultFetchWorkers
// background workers.
func NewResultFetcher(decoder ResultDecoder) *ResultFetcher {
	f := &ResultFetcher{
		decoder: decoder,
		jobs:    make(chan fetchJob, 256),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for i := 0; i < resultFetchWorkers; i++ {
		go f.worker()
	}
	return f
}

// Submit enqueues a terminal status update for decoding. If the worker
// pool's queue is full, the job runs on its own goroutine rather than
// blocking the caller.
func (f *ResultFetcher) Submit(ctx context.Context, update StatusUpdate, job *Job, tried int, onDone func()) {
	j := fetchJob{ctx: ctx, update: update, job: job, tried: tried, onDone: onDone}
	select {
	case f.jobs <- j:
	default:
		go f.process(j)
	}
}

func (f *ResultFetcher) worker() {
	for j := range f.jobs {
		f.process(j)
	}
}

func (f *ResultFetcher) process(j fetchJob) {
	defer func() {
		if j.onDone != nil {
			j.onDone()
		}
	}()

	var w task.ResultWire
	if err := gob.NewDecoder(bytes.NewReader(j.update.Data)).Decode(&w); err != nil {
		f.fail(j, fmt.Errorf("decode result wire: %w", err))
		return
	}

	if !f.breaker.Allow() {
		f.fail(j, fmt.Errorf("result fetch circuit open"))
		return
	}

	result, err := resilience.Retry(j.ctx, 3, 100*time.Millisecond, func() (any, error) {
		raw, codec, rerr := task.Resolve(j.ctx, w, f.client)
		if rerr != nil {
			return nil, rerr
		}
		return f.decoder.Decode(j.ctx, codec, raw)
	})
	f.breaker.RecordResult(err == nil)
	if err != nil {
		f.fail(j, fmt.Errorf("resolve result for task %s: %w", w.TaskID, err))
		return
	}

	j.job.StatusUpdate(w.TaskID, j.tried, j.update.State, w.Reason, result, w.AccumUpdates)
}

// fail demotes a task to TaskFailed regardless of what state the broker
// originally reported: a corrupted or unresolvable result payload is not
// the success the broker thought it was, and must go through the job's
// retry branch rather than the terminal-success path for whatever state
// it arrived with.
func (f *ResultFetcher) fail(j fetchJob, err error) {
	j.job.StatusUpdate(taskIDFromWire(j.update.TaskID), j.tried, TaskFailed, task.OtherFailure{Message: err.Error()}, nil, nil)
}
