// Package dagdriver implements the DAG scheduler driver: it decomposes a
// dataset lineage into stages, submits ready stages as task batches to a
// cluster-resource scheduler, consumes completion events, and streams
// results back to the caller in partition order (or completion order).
package dagdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagscheduler/internal/accum"
	"github.com/swarmguard/dagscheduler/internal/dataset"
	"github.com/swarmguard/dagscheduler/internal/stage"
	"github.com/swarmguard/dagscheduler/internal/task"
)

// Canonical constants from the scheduler's external interface contract.
const (
	PollTimeout      = 100 * time.Millisecond
	ResubmitTimeout  = 60 * time.Second
	DefaultParallelism = 16
	LocalParallelism   = 2
)

// Options is the immutable option bag controlling a driver's behavior,
// built once at construction rather than threaded as loose booleans.
type Options struct {
	KeepOrder bool
}

// ClusterSubmitter is the collaborator surface the driver needs from the
// cluster-resource scheduler: hand it a batch of tasks belonging to one
// stage submission.
type ClusterSubmitter interface {
	SubmitTasks(ctx context.Context, stageID stage.ID, tasks []task.Task) error
	Check()
}

// Env bundles the collaborators a run needs for its lifetime, injected
// explicitly rather than held as a module-level global.
type Env struct {
	CacheTracker     dataset.CacheTracker
	MapOutputTracker dataset.MapOutputTracker
	Accumulators     *accum.Registry
}

// Driver drives one or more runs against a shared stage arena. A fresh
// Arena per independent top-level run is the caller's responsibility
// (Clear() between runs).
type Driver struct {
	arena   *stage.Arena
	builder *stage.Builder
	cluster ClusterSubmitter
	opts    Options
	env     Env

	tracer trace.Tracer

	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter
	parallelism  metric.Int64Gauge
	inFlight     atomic.Int64

	mu              sync.Mutex
	events          chan task.CompletionEvent
	shutdownFlag    bool
}

// New constructs a Driver over a fresh arena, wiring the given cluster
// submitter and environment collaborators.
func New(cluster ClusterSubmitter, env Env, opts Options) *Driver {
	meter := otel.Meter("dagscheduler")
	taskDuration, _ := meter.Float64Histogram("dagsched_driver_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("dagsched_driver_task_retries_total")
	taskFailures, _ := meter.Int64Counter("dagsched_driver_task_failures_total")
	parallelism, _ := meter.Int64Gauge("dagsched_driver_parallelism")

	arena := stage.NewArena()
	return &Driver{
		arena:        arena,
		builder:      stage.NewBuilder(arena, env.CacheTracker),
		cluster:      cluster,
		opts:         opts,
		env:          env,
		tracer:       otel.Tracer("dagscheduler-driver"),
		taskDuration: taskDuration,
		taskRetries:  taskRetries,
		taskFailures: taskFailures,
		parallelism:  parallelism,
		events:       make(chan task.CompletionEvent, 256),
	}
}

// TaskEnded is the callback surface the cluster layer (or its status
// update decoder) calls to hand a completion event to the driver. It
// never blocks beyond the bounded events channel's capacity.
func (d *Driver) TaskEnded(ev task.CompletionEvent) {
	d.events <- ev
}

// Shutdown flips the shutdown flag; the run loop exits at its next
// empty-queue poll.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	d.shutdownFlag = true
	d.mu.Unlock()
}

// Clear truncates the stage arena and resets per-arena shuffle memoization
// between independent top-level runs.
func (d *Driver) Clear() {
	d.arena.Clear()
}

// Result is one user-visible output, tagged with its partition/output
// index so a keep_order=false caller can still tell results apart.
type Result struct {
	OutputIndex int
	Value       any
}

// RunJob decomposes finalRDD into stages and drives it to completion,
// streaming results over a bounded channel closed on completion or
// error. The caller ranges over the channel; a non-nil error is only
// available after the channel closes.
func (d *Driver) RunJob(ctx context.Context, finalRDD dataset.Dataset, fn func(dataset.Iterator) (any, error), partitions []int, allowLocal bool) (<-chan Result, func() error) {
	out := make(chan Result, len(partitions))
	errCh := make(chan error, 1)
	errFn := func() error { return <-errCh }

	if len(partitions) == 0 {
		errCh <- nil
		close(out)
		return out, errFn
	}

	finalStage := d.builder.NewStage(finalRDD, nil)
	cacheLocs := d.env.CacheTracker.GetLocationsSnapshot()

	missing := d.builder.MissingParentStages(cacheLocs, finalStage)
	if allowLocal && len(missing) == 0 && len(partitions) == 1 {
		go func() {
			var err error
			defer func() {
				errCh <- err
				close(out)
			}()
			split := finalRDD.Splits()[partitions[0]]
			it, iterErr := finalRDD.Iterator(split)
			if iterErr != nil {
				err = fmt.Errorf("local fast path: %w", iterErr)
				return
			}
			v, fnErr := fn(it)
			if fnErr != nil {
				err = fmt.Errorf("local fast path: %w", fnErr)
				return
			}
			out <- Result{OutputIndex: 0, Value: v}
		}()
		return out, errFn
	}

	r := &run{
		driver:     d,
		finalStage: finalStage,
		finalRDD:   finalRDD,
		fn:         fn,
		partitions: partitions,
		cacheLocs:  cacheLocs,
		out:        out,
		finished:   make([]bool, len(partitions)),
		results:    make([]any, len(partitions)),
		waiting:    make(map[stage.ID]bool),
		running:    make(map[stage.ID]bool),
		failed:     make(map[stage.ID]bool),
		pending:    make(map[stage.ID]map[task.ID]bool),
		startTimes: make(map[task.ID]time.Time),
	}

	go func() {
		errCh <- r.loop(ctx)
	}()

	return out, errFn
}

// run holds the per-invocation state of one RunJob call: touched only by
// the run's own goroutine, per the concurrency model's ownership rule.
type run struct {
	driver     *Driver
	finalStage *stage.Stage
	finalRDD   dataset.Dataset
	fn         func(dataset.Iterator) (any, error)
	partitions []int
	cacheLocs  map[int][][]string
	out        chan Result

	finished []bool
	results  []any

	waiting map[stage.ID]bool
	running map[stage.ID]bool
	failed  map[stage.ID]bool
	pending map[stage.ID]map[task.ID]bool

	startTimes map[task.ID]time.Time

	numFinished   int
	lastFinished  int
	lastFetchFail time.Time
}

func (r *run) submitStage(ctx context.Context, st *stage.Stage) error {
	if r.waiting[st.ID] || r.running[st.ID] {
		return nil
	}
	missing := r.driver.builder.MissingParentStages(r.cacheLocs, st)
	if len(missing) == 0 {
		if err := r.submitMissingTasks(ctx, st); err != nil {
			return err
		}
		r.running[st.ID] = true
		return nil
	}
	for _, pid := range missing {
		if err := r.submitStage(ctx, r.driver.arena.Get(pid)); err != nil {
			return err
		}
	}
	r.waiting[st.ID] = true
	return nil
}

func (r *run) submitMissingTasks(ctx context.Context, st *stage.Stage) error {
	myPending := r.pending[st.ID]
	if myPending == nil {
		myPending = make(map[task.ID]bool)
		r.pending[st.ID] = myPending
	}

	var tasks []task.Task
	havePrefer := true

	if st.ID == r.finalStage.ID {
		for i := range r.partitions {
			if r.finished[i] {
				continue
			}
			part := r.partitions[i]
			locs := r.preferredLocs(&havePrefer, r.finalRDD, part)
			t := task.NewResultTask(st.ID, r.finalRDD, r.fn, part, locs, i, 1, 0)
			myPending[t.TaskID()] = true
			tasks = append(tasks, t)
		}
	} else {
		for p := 0; p < st.NumPartitions; p++ {
			if len(st.OutputLocs[p]) > 0 {
				continue
			}
			locs := r.preferredLocs(&havePrefer, st.RDD, p)
			sd := *st.ShuffleDep
			t := task.NewShuffleMapTask(st.ID, st.RDD, sd, p, locs, 1, 0)
			myPending[t.TaskID()] = true
			tasks = append(tasks, t)
		}
	}

	if len(tasks) == 0 {
		return nil
	}
	now := time.Now()
	for _, t := range tasks {
		r.startTimes[t.TaskID()] = now
		if t.Tried() > 0 {
			r.driver.taskRetries.Add(ctx, 1)
		}
	}
	r.driver.inFlight.Add(int64(len(tasks)))
	r.driver.parallelism.Record(ctx, r.driver.inFlight.Load())
	return r.driver.cluster.SubmitTasks(ctx, st.ID, tasks)
}

// taskDone records one task leaving flight, for duration/parallelism
// metrics; called exactly once per task regardless of outcome.
func (r *run) taskDone(ctx context.Context, t task.ID) {
	if start, ok := r.startTimes[t]; ok {
		r.driver.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		delete(r.startTimes, t)
	}
	r.driver.inFlight.Add(-1)
	r.driver.parallelism.Record(ctx, r.driver.inFlight.Load())
}

// preferredLocs implements the short-circuit policy: once the first
// queried task in a batch reports no preference, assume locality is
// unavailable for the whole stage and stop querying.
func (r *run) preferredLocs(havePrefer *bool, rdd dataset.Dataset, partition int) []string {
	if !*havePrefer {
		return nil
	}
	splits := rdd.Splits()
	if partition < 0 || partition >= len(splits) {
		return nil
	}
	locs := rdd.PreferredLocations(splits[partition])
	if len(locs) == 0 {
		*havePrefer = false
	}
	return locs
}

func (r *run) loop(ctx context.Context) error {
	d := r.driver
	_, span := d.tracer.Start(ctx, "dagdriver.run_job",
		trace.WithAttributes(attribute.Int("num_partitions", len(r.partitions))))
	defer span.End()

	if err := r.submitStage(ctx, r.finalStage); err != nil {
		close(r.out)
		return err
	}

	for r.numFinished < len(r.partitions) {
		select {
		case ev := <-d.events:
			if err := r.handleEvent(ctx, ev); err != nil {
				close(r.out)
				return err
			}
		case <-ctx.Done():
			close(r.out)
			return ctx.Err()
		case <-time.After(PollTimeout):
			d.mu.Lock()
			shuttingDown := d.shutdownFlag
			d.mu.Unlock()
			if shuttingDown {
				close(r.out)
				return fmt.Errorf("dagdriver: shutdown requested")
			}
			d.cluster.Check()
			if len(r.failed) > 0 && time.Since(r.lastFetchFail) >= ResubmitTimeout {
				r.cacheLocs = d.env.CacheTracker.GetLocationsSnapshot()
				for sid := range r.failed {
					delete(r.failed, sid)
					if err := r.submitStage(ctx, d.arena.Get(sid)); err != nil {
						close(r.out)
						return err
					}
				}
			}
		}
	}
	close(r.out)
	return nil
}

func (r *run) handleEvent(ctx context.Context, ev task.CompletionEvent) error {
	st := r.driver.arena.Get(ev.Task.StageID())
	myPending := r.pending[st.ID]
	if myPending == nil || !myPending[ev.Task.TaskID()] {
		// event belongs to a stage this run isn't tracking (stale/other job)
		return nil
	}

	switch reason := ev.Reason.(type) {
	case task.Success:
		delete(myPending, ev.Task.TaskID())
		r.taskDone(ctx, ev.Task.TaskID())
		if ev.AccumUpdates != nil && r.driver.env.Accumulators != nil {
			if err := r.driver.env.Accumulators.MergeUpdates(ev.AccumUpdates); err != nil {
				slog.Warn("accumulator merge failed", "error", err)
			}
		}
		switch t := ev.Task.(type) {
		case *task.ResultTask:
			r.finished[t.OutputIndex] = true
			r.numFinished++
			if r.driver.opts.KeepOrder {
				r.results[t.OutputIndex] = ev.Result
				for r.lastFinished < len(r.partitions) && r.finished[r.lastFinished] {
					r.out <- Result{OutputIndex: r.lastFinished, Value: r.results[r.lastFinished]}
					r.lastFinished++
				}
			} else {
				r.out <- Result{OutputIndex: t.OutputIndex, Value: ev.Result}
			}
		case *task.ShuffleMapTask:
			host, _ := ev.Result.(string)
			st.AddOutputLoc(t.Partition(), host)
			if len(myPending) == 0 {
				delete(r.running, st.ID)
				hostPerPartition := make([]string, st.NumPartitions)
				for p, locs := range st.OutputLocs {
					if len(locs) > 0 {
						hostPerPartition[p] = locs[0]
					}
				}
				r.driver.env.MapOutputTracker.RegisterMapOutputs(st.ShuffleDep.ShuffleID, hostPerPartition)
				r.cacheLocs = r.driver.env.CacheTracker.GetLocationsSnapshot()
				for sid := range r.waiting {
					missing := r.driver.builder.MissingParentStages(r.cacheLocs, r.driver.arena.Get(sid))
					if len(missing) == 0 {
						delete(r.waiting, sid)
						r.running[sid] = true
						if err := r.submitMissingTasks(ctx, r.driver.arena.Get(sid)); err != nil {
							return err
						}
					}
				}
			}
		}

	case task.FetchFailed:
		// Resolved per the driver's binding decision: the producing stage
		// loses the failing host and is added to *failed* so the
		// RESUBMIT_TIMEOUT path actually drains it.
		delete(myPending, ev.Task.TaskID())
		r.taskDone(ctx, ev.Task.TaskID())
		r.driver.taskFailures.Add(ctx, 1)
		producing := findShuffleMapStage(r.driver.arena, reason.ShuffleID)
		if producing != nil {
			producing.DropOutputLoc(reason.MapID, reason.ServerURI)
			r.failed[producing.ID] = true
			delete(r.running, producing.ID)
		}
		r.lastFetchFail = time.Now()
		slog.Warn("fetch failed", "shuffle_id", reason.ShuffleID, "map_id", reason.MapID, "server", reason.ServerURI)

	case task.OtherFailure:
		r.taskDone(ctx, ev.Task.TaskID())
		r.driver.taskFailures.Add(ctx, 1)
		return fmt.Errorf("task %s failed: %s", ev.Task.TaskID(), reason.Message)
	}
	return nil
}

func findShuffleMapStage(arena *stage.Arena, shuffleID int) *stage.Stage {
	// linear scan: the arena is per-run and small; a reverse index would
	// be premature given the budget here.
	for id := 0; id < arena.Len(); id++ {
		st := arena.Get(stage.ID(id))
		if st.ShuffleDep != nil && st.ShuffleDep.ShuffleID == shuffleID {
			return st
		}
	}
	return nil
}
