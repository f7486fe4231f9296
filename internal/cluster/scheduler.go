// Package cluster implements the cluster-resource scheduler (component
// C) and its per-job task set (component D): it multiplexes DAG-level
// jobs onto a stream of resource offers from an external two-level
// broker, applies placement/admission policy, launches tasks,
// interprets status updates, and manages the idle-framework lifecycle.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagscheduler/internal/resilience"
	"github.com/swarmguard/dagscheduler/internal/stage"
	"github.com/swarmguard/dagscheduler/internal/task"
)

// Canonical constants from the scheduler's external interface contract.
const (
	MaxFailed         = 3
	ExecutorMemory    = 64.0
	MaxIdleTime       = 1800 * time.Second
	DefaultTaskPerNode = 8
	IdleRefuseSeconds  = 300.0
	ShortRefuseSeconds = 5.0
	allocatorSlowWarn  = 10 * time.Second
)

// TaskState is the broker's reported task status.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskFinished
	TaskFailed
	TaskLost
	TaskKilled
)

// Offer is a resource grant from the broker.
type Offer struct {
	ID         string
	SlaveID    string
	Hostname   string
	CPUs       float64
	Mem        float64
	Attributes map[string]string
}

// LaunchTask is one task handed to the broker for launch against a
// specific offer.
type LaunchTask struct {
	OfferID string
	TaskID  string // "jobId:taskId:tried"
	SlaveID string
	CPUs    float64
	Mem     float64
	Data    []byte
}

// StatusUpdate is a task status report from the broker.
type StatusUpdate struct {
	TaskID string // "jobId:taskId:tried"
	State  TaskState
	Data   []byte
}

// Broker is the collaborator surface the cluster scheduler drives: an
// external two-phase offer broker's driver object.
type Broker interface {
	Start(ctx context.Context) error
	Stop(failover bool) error
	ReviveOffers()
	LaunchTasks(ctx context.Context, offerID string, tasks []LaunchTask, refuseSeconds float64) error
	KillTask(taskID string) error
}

// Options is the immutable option bag configuring a Scheduler, built
// once at construction.
type Options struct {
	EmbedExecutor bool
	CPUs          float64
	Mem           float64
	TaskPerNode   int
	Group         map[string]bool // nil means "no group filter"
	LogLevel      string
	Master        string
}

// ResultDecoder turns a decompressed, already-fetched result payload
// into a Go value, given the base (non-remote) encoding it was
// serialized with. It runs off the scheduler's lock path, on the
// result-fetch worker pool.
type ResultDecoder interface {
	Decode(ctx context.Context, codec task.ResultEncoding, raw []byte) (result any, err error)
}

// Scheduler is the cluster-resource scheduler (component C). All
// mutating methods plus Check acquire mu, matching the source's
// single-lock discipline; large-result decoding runs on a worker pool
// (see resultfetch.go) rather than under this lock.
type Scheduler struct {
	mu sync.Mutex

	broker  Broker
	opts    Options
	decoder ResultDecoder
	fetcher *ResultFetcher
	onEnded func(task.CompletionEvent)

	activeJobs      map[JobID]*Job
	activeJobsQueue []JobID
	jobTasks        map[JobID]map[string]bool // jobID -> set of "jobId:taskId:tried"
	taskIDToJobID   map[string]JobID
	taskIDToSlaveID map[string]string
	slaveTasks      map[string]int
	slaveFailed     map[string]int

	started      bool
	isRegistered bool
	lastFinish   time.Time
	stopCh       chan struct{}

	reviveLimiter *resilience.HybridRateLimiter

	offersReceived   metric.Int64Counter
	offersDeclined   metric.Int64Counter
	tasksLaunched    metric.Int64Counter
	slaveQuarantines metric.Int64Counter
	idleShutdowns    metric.Int64Counter
}

// NewScheduler constructs a Scheduler over broker with the given options
// and result decoder.
func NewScheduler(broker Broker, opts Options, decoder ResultDecoder) *Scheduler {
	if opts.TaskPerNode == 0 {
		opts.TaskPerNode = DefaultTaskPerNode
	}
	meter := otel.Meter("dagscheduler")
	offersReceived, _ := meter.Int64Counter("dagsched_offers_received_total")
	offersDeclined, _ := meter.Int64Counter("dagsched_offers_declined_total")
	tasksLaunched, _ := meter.Int64Counter("dagsched_tasks_launched_total")
	slaveQuarantines, _ := meter.Int64Counter("dagsched_slave_quarantines_total")
	idleShutdowns, _ := meter.Int64Counter("dagsched_idle_shutdowns_total")

	s := &Scheduler{
		broker:           broker,
		opts:             opts,
		decoder:          decoder,
		fetcher:          NewResultFetcher(decoder),
		offersReceived:   offersReceived,
		offersDeclined:   offersDeclined,
		tasksLaunched:    tasksLaunched,
		slaveQuarantines: slaveQuarantines,
		idleShutdowns:    idleShutdowns,
		reviveLimiter:    resilience.NewHybridRateLimiter(5, 2, 64, 50*time.Millisecond),
	}
	s.initJobState()
	return s
}

func (s *Scheduler) initJobState() {
	s.activeJobs = make(map[JobID]*Job)
	s.activeJobsQueue = nil
	s.jobTasks = make(map[JobID]map[string]bool)
	s.taskIDToJobID = make(map[string]JobID)
	s.taskIDToSlaveID = make(map[string]string)
	s.slaveTasks = make(map[string]int)
	s.slaveFailed = make(map[string]int)
}

// Clear resets job-scheduling state between independent top-level runs.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initJobState()
}

// SubmitTasks satisfies dagdriver.ClusterSubmitter: it creates a Job from
// the batch and enqueues it, starting the broker driver and idle
// watchdog on first use.
func (s *Scheduler) SubmitTasks(ctx context.Context, stageID stage.ID, tasks []task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	cpus := s.opts.CPUs
	mem := tasks[0].Mem()
	if mem == 0 {
		mem = s.opts.Mem
	}

	s.mu.Lock()
	onEnded := s.onEnded
	if onEnded == nil {
		onEnded = func(task.CompletionEvent) {}
	}
	job := NewJob(tasks, cpus, mem, onEnded)
	s.activeJobs[job.ID] = job
	s.activeJobsQueue = append(s.activeJobsQueue, job.ID)
	s.jobTasks[job.ID] = make(map[string]bool)

	needRevive := s.started
	if !s.started {
		s.started = true
		s.lastFinish = time.Now()
		s.stopCh = make(chan struct{})
		go s.idleWatchdog(s.stopCh)
		s.mu.Unlock()
		if err := s.broker.Start(ctx); err != nil {
			return fmt.Errorf("start broker: %w", err)
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	for !s.isRegisteredSnapshot() {
		time.Sleep(10 * time.Millisecond)
	}
	if needRevive {
		s.reviveOffers(ctx)
	}
	return nil
}

// reviveOffers asks the broker to revive offers, smoothed through a
// hybrid rate limiter so a burst of finishing or timed-out jobs
// doesn't send a revive call per job. A denied immediate pass queues
// the revive rather than dropping it.
func (s *Scheduler) reviveOffers(ctx context.Context) {
	if s.reviveLimiter.Allow(ctx) {
		s.broker.ReviveOffers()
		return
	}
	go func() {
		if err := s.reviveLimiter.Wait(ctx); err == nil {
			s.broker.ReviveOffers()
		}
	}()
}

func (s *Scheduler) isRegisteredSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRegistered
}

// SetOnEnded wires every job's completion callback, including jobs
// submitted after this call. Set it once, before the driver's first
// RunJob, since it routes every CompletionEvent back to the caller
// (typically the DAG driver).
func (s *Scheduler) SetOnEnded(onEnded func(task.CompletionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = onEnded
	for _, j := range s.activeJobs {
		j.onEnded = onEnded
	}
}

// Registered is the broker callback fired once the framework has
// registered.
func (s *Scheduler) Registered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRegistered = true
	slog.Info("cluster scheduler registered")
}

// Disconnected is the broker callback fired on framework disconnect.
func (s *Scheduler) Disconnected() {
	slog.Warn("cluster scheduler disconnected from broker")
}

// ResourceOffers matches pending tasks against a batch of offers,
// grounded on the reference MesosScheduler.resourceOffers allocation
// loop: random offer shuffle, per-slave executor-memory subtraction,
// FIFO-per-job passes skipping ineligible offers, then launch/decline.
func (s *Scheduler) ResourceOffers(ctx context.Context, offers []Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offersReceived.Add(ctx, int64(len(offers)))

	if len(s.activeJobs) == 0 {
		s.offersDeclined.Add(ctx, int64(len(offers)))
		for _, o := range offers {
			_ = s.broker.LaunchTasks(ctx, o.ID, nil, IdleRefuseSeconds)
		}
		return
	}

	start := time.Now()
	shuffled := append([]Offer(nil), offers...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	cpus := make([]float64, len(shuffled))
	mems := make([]float64, len(shuffled))
	for i, o := range shuffled {
		cpus[i] = o.CPUs
		mems[i] = o.Mem
		if _, seen := s.slaveTasks[o.SlaveID]; !seen {
			mems[i] -= ExecutorMemory
		}
	}

	launched := make(map[string][]LaunchTask)
	for _, jobID := range s.activeJobsQueue {
		job := s.activeJobs[jobID]
		for {
			launchedAny := false
			for i, o := range shuffled {
				if s.opts.Group != nil && !s.opts.Group[attrValue(o.Attributes, "group")] {
					continue
				}
				if s.slaveFailed[o.SlaveID] >= MaxFailed {
					continue
				}
				if s.slaveTasks[o.SlaveID] >= s.opts.TaskPerNode {
					continue
				}
				if mems[i] < job.Mem || cpus[i]+1e-4 < job.CPUs {
					continue
				}
				t := job.SlaveOffer(o.Hostname, cpus[i], mems[i])
				if t == nil {
					continue
				}

				lt, err := s.buildLaunchTask(o, jobID, t)
				if err != nil {
					slog.Error("build launch task failed", "error", err)
					continue
				}
				launched[o.ID] = append(launched[o.ID], lt)

				s.jobTasks[jobID][lt.TaskID] = true
				s.taskIDToJobID[lt.TaskID] = jobID
				s.taskIDToSlaveID[lt.TaskID] = o.SlaveID
				s.slaveTasks[o.SlaveID]++
				cpus[i] -= minFloat(cpus[i], t.CPUs())
				mems[i] -= t.Mem()
				launchedAny = true
				s.tasksLaunched.Add(ctx, 1)
			}
			if !launchedAny {
				break
			}
		}
	}

	if elapsed := time.Since(start); elapsed > allocatorSlowWarn {
		slog.Error("resource offer allocation too slow", "elapsed", elapsed)
	}

	declined := 0
	for _, o := range shuffled {
		batch := launched[o.ID]
		refuse := ShortRefuseSeconds
		if len(batch) == 0 {
			declined++
		}
		if err := s.broker.LaunchTasks(ctx, o.ID, batch, refuse); err != nil {
			slog.Error("launch tasks failed", "offer", o.ID, "error", err)
		}
	}
	s.offersDeclined.Add(ctx, int64(declined))
}

func (s *Scheduler) buildLaunchTask(o Offer, jobID JobID, t task.Task) (LaunchTask, error) {
	tid := fmt.Sprintf("%s:%s:%d", jobID, t.TaskID(), t.Tried())
	payload, err := task.EncodeLaunch(task.LaunchPayload{TaskID: t.TaskID(), StageID: int(t.StageID()), Tried: t.Tried()})
	if err != nil {
		return LaunchTask{}, fmt.Errorf("encode launch payload for %s: %w", tid, err)
	}
	if len(payload) > 1000*1024 {
		slog.Warn("task payload too large", "task", tid, "bytes", len(payload))
	}
	return LaunchTask{
		OfferID: o.ID,
		TaskID:  tid,
		SlaveID: o.SlaveID,
		CPUs:    minFloat(t.CPUs(), o.CPUs),
		Mem:     t.Mem(),
		Data:    payload,
	}, nil
}

// KillTask asks the broker to kill one task, formatting the canonical
// "jobId:taskId:tried" id the same way StatusUpdate parses it.
func (s *Scheduler) KillTask(jobID JobID, taskID task.ID, tried int) error {
	tid := fmt.Sprintf("%s:%s:%d", jobID, taskID, tried)
	return s.broker.KillTask(tid)
}

// OfferRescinded is the broker callback for a withdrawn offer.
func (s *Scheduler) OfferRescinded(offerID string) {
	s.mu.Lock()
	active := len(s.activeJobs) > 0
	s.mu.Unlock()
	if active {
		s.reviveOffers(context.Background())
	}
}

// StatusUpdate parses "jobId:taskId:tried" and routes a terminal update's
// bookkeeping cleanup, delegating result decoding to the worker pool
// (see resultfetch.go) rather than blocking this call.
func (s *Scheduler) StatusUpdate(ctx context.Context, update StatusUpdate) {
	jobID, _, tried, ok := parseTaskID(update.TaskID)
	if !ok {
		slog.Warn("malformed task id in status update", "task_id", update.TaskID)
		return
	}

	s.mu.Lock()
	job, active := s.activeJobs[JobID(jobID)]
	if !active {
		s.mu.Unlock()
		return
	}

	if update.State == TaskRunning {
		s.mu.Unlock()
		job.StatusUpdate(taskIDFromWire(update.TaskID), tried, TaskRunning, nil, nil, nil)
		return
	}

	delete(s.taskIDToJobID, update.TaskID)
	delete(s.jobTasks[JobID(jobID)], update.TaskID)
	slaveID := s.taskIDToSlaveID[update.TaskID]
	if _, ok := s.slaveTasks[slaveID]; ok {
		s.slaveTasks[slaveID]--
	}
	delete(s.taskIDToSlaveID, update.TaskID)
	jid := JobID(jobID)
	s.mu.Unlock()

	onDone := func() {
		if job.Finished() {
			s.jobFinished(jid)
		}
	}

	if (update.State == TaskFinished || update.State == TaskFailed) && len(update.Data) > 0 {
		s.fetcher.Submit(ctx, update, job, tried, onDone)
	} else {
		job.StatusUpdate(taskIDFromWire(update.TaskID), tried, update.State, task.OtherFailure{Message: "terminal status with no payload"}, nil, nil)
		onDone()
	}
}

func (s *Scheduler) jobFinished(jobID JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeJobs[jobID]; !ok {
		return
	}
	delete(s.activeJobs, jobID)
	for i, id := range s.activeJobsQueue {
		if id == jobID {
			s.activeJobsQueue = append(s.activeJobsQueue[:i], s.activeJobsQueue[i+1:]...)
			break
		}
	}
	for tid := range s.jobTasks[jobID] {
		delete(s.taskIDToJobID, tid)
		delete(s.taskIDToSlaveID, tid)
	}
	delete(s.jobTasks, jobID)
	s.lastFinish = time.Now()

	if len(s.activeJobs) == 0 {
		s.slaveTasks = make(map[string]int)
		s.slaveFailed = make(map[string]int)
	}
}

// SlaveLost is the broker callback for a lost worker host: its task
// count is dropped and its failure count is pinned at MaxFailed, so its
// offers are skipped until jobFinished clears the counters once no jobs
// remain active.
func (s *Scheduler) SlaveLost(ctx context.Context, slaveID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slaveTasks, slaveID)
	s.slaveFailed[slaveID] = MaxFailed
	s.slaveQuarantines.Add(ctx, 1)
	slog.Warn("slave lost", "slave_id", slaveID)
}

// ExecutorLost is the broker callback for a lost executor process.
func (s *Scheduler) ExecutorLost(slaveID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slaveTasks, slaveID)
	slog.Warn("executor lost", "slave_id", slaveID)
}

// Error is the broker's generic error callback: logged, no destructive
// action taken since the broker retries connectivity on its own.
func (s *Scheduler) Error(code int, message string) {
	slog.Warn("broker error", "code", code, "message", message)
}

// Check is the periodic hook the DAG driver's poll loop triggers: it
// asks every active job whether it has timed-out tasks and revives
// offers if so.
func (s *Scheduler) Check() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.activeJobs))
	for _, j := range s.activeJobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	anyTimedOut := false
	for _, j := range jobs {
		if j.CheckTaskTimeout() {
			anyTimedOut = true
		}
	}
	if anyTimedOut {
		s.reviveOffers(context.Background())
	}
}

// Stop tells the broker to stop without failover and marks the
// framework un-registered.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.isRegistered = false
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	return s.broker.Stop(false)
}

// StopRevive shuts down the revive-offer rate limiter's background
// goroutines. Call once, at process exit, after the scheduler itself
// has stopped.
func (s *Scheduler) StopRevive() {
	s.reviveLimiter.Stop()
}

func (s *Scheduler) idleWatchdog(stopCh chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := len(s.activeJobs) == 0 && time.Since(s.lastFinish) > MaxIdleTime
			s.mu.Unlock()
			if idle {
				slog.Info("stopping cluster scheduler after idle timeout")
				s.idleShutdowns.Add(context.Background(), 1)
				_ = s.Stop()
				return
			}
		}
	}
}

func attrValue(attrs map[string]string, name string) string {
	if v, ok := attrs[name]; ok {
		return v
	}
	return "none"
}

func parseTaskID(tid string) (jobID string, taskID string, tried int, ok bool) {
	parts := strings.SplitN(tid, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, false
	}
	tried, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], tried, true
}

func taskIDFromWire(tid string) task.ID {
	_, t, _, _ := parseTaskID(tid)
	return task.ID(t)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
