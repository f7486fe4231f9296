package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/dagscheduler/internal/task"
)

// JobID identifies a task-set submission within the cluster scheduler.
type JobID string

// NewJobID mints a fresh job id.
func NewJobID() JobID { return JobID(uuid.NewString()) }

// MaxRetries bounds how many times a task is re-enqueued on FAILED/LOST
// before the job gives up on it.
const MaxRetries = 4

// TaskTimeout is the deadline after which a running task is considered
// stalled by check_task_timeout.
const TaskTimeout = 2 * time.Minute

// taskState tracks one task's attempt bookkeeping within a Job.
type taskState struct {
	t         task.Task
	running   bool
	deadline  time.Time
	tries     int
	terminal  bool
}

// Job is the per-job task set (component D): it tracks attempts,
// locality, timeouts and failure counts for the tasks of one stage
// submission, and reports completions back to the DAG driver.
type Job struct {
	ID      JobID
	CPUs    float64
	Mem     float64
	onEnded func(task.CompletionEvent)

	mu      sync.Mutex
	pending []task.Task            // tasks not yet launched
	states  map[task.ID]*taskState // every task this job owns
	done    int
}

// NewJob constructs a Job from a task batch, the cluster-level default
// cpus, and mem (overridden by the root dataset's mem if set).
func NewJob(tasks []task.Task, cpus, mem float64, onEnded func(task.CompletionEvent)) *Job {
	states := make(map[task.ID]*taskState, len(tasks))
	for _, t := range tasks {
		states[t.TaskID()] = &taskState{t: t}
	}
	return &Job{
		ID:      NewJobID(),
		CPUs:    cpus,
		Mem:     mem,
		onEnded: onEnded,
		pending: append([]task.Task(nil), tasks...),
		states:  states,
	}
}

// Finished reports whether every task this job owns has reached a
// terminal state.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done >= len(j.states)
}

// SlaveOffer selects a task to run on host given available cpus/mem,
// preferring tasks whose preferred locations include host. Returns nil
// if no pending task fits.
func (j *Job) SlaveOffer(host string, cpus, mem float64) task.Task {
	j.mu.Lock()
	defer j.mu.Unlock()

	if cpus+1e-4 < j.CPUs || mem < j.Mem {
		return nil
	}

	idx := -1
	for i, t := range j.pending {
		for _, loc := range t.PreferredLocs() {
			if loc == host {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 && len(j.pending) > 0 {
		idx = 0
	}
	if idx < 0 {
		return nil
	}

	t := j.pending[idx]
	j.pending = append(j.pending[:idx], j.pending[idx+1:]...)
	st := j.states[t.TaskID()]
	st.running = true
	st.deadline = time.Now().Add(TaskTimeout)
	st.tries++
	return t
}

// StatusUpdate records a task's terminal or running state. On FINISHED,
// it bubbles a CompletionEvent to the DAG driver via onEnded. On
// FAILED/LOST it re-enqueues the task up to MaxRetries.
func (j *Job) StatusUpdate(taskID task.ID, tried int, state TaskState, reason task.EndReason, result any, accum map[string]any) {
	j.mu.Lock()
	st, ok := j.states[taskID]
	if !ok {
		j.mu.Unlock()
		return
	}

	switch state {
	case TaskRunning:
		st.running = true
		st.deadline = time.Now().Add(TaskTimeout)
		j.mu.Unlock()
		return
	case TaskFinished:
		st.running = false
		st.terminal = true
		j.done++
		j.mu.Unlock()
		j.onEnded(task.CompletionEvent{Task: st.t, Reason: reason, Result: result, AccumUpdates: accum})
		return
	case TaskFailed, TaskLost, TaskKilled:
		st.running = false
		if st.tries > MaxRetries {
			st.terminal = true
			j.done++
			j.mu.Unlock()
			j.onEnded(task.CompletionEvent{Task: st.t, Reason: task.OtherFailure{Message: fmt.Sprintf("task %s exhausted %d retries", taskID, MaxRetries)}})
			return
		}
		st.t.IncrTried()
		j.pending = append(j.pending, st.t)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
}

// CheckTaskTimeout reports whether any running task has exceeded its
// deadline, re-enqueueing it for a fresh attempt.
func (j *Job) CheckTaskTimeout() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	timedOut := false
	now := time.Now()
	for _, st := range j.states {
		if st.running && now.After(st.deadline) {
			st.running = false
			st.t.IncrTried()
			j.pending = append(j.pending, st.t)
			timedOut = true
		}
	}
	return timedOut
}
