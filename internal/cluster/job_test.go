package cluster

import (
	"testing"
	"time"

	"github.com/swarmguard/dagscheduler/internal/stage"
	"github.com/swarmguard/dagscheduler/internal/task"
)

type fakeTask struct {
	id        task.ID
	partition int
	locs      []string
	cpus, mem float64
	tried     int
}

func (t *fakeTask) TaskID() task.ID         { return t.id }
func (t *fakeTask) StageID() stage.ID       { return 0 }
func (t *fakeTask) Partition() int          { return t.partition }
func (t *fakeTask) PreferredLocs() []string { return t.locs }
func (t *fakeTask) CPUs() float64           { return t.cpus }
func (t *fakeTask) Mem() float64            { return t.mem }
func (t *fakeTask) Tried() int              { return t.tried }
func (t *fakeTask) IncrTried()              { t.tried++ }

func TestJobSlaveOfferPrefersLocality(t *testing.T) {
	a := &fakeTask{id: "a", locs: []string{"host-b"}, cpus: 1, mem: 1}
	b := &fakeTask{id: "b", locs: nil, cpus: 1, mem: 1}
	j := NewJob([]task.Task{a, b}, 1, 1, func(task.CompletionEvent) {})

	got := j.SlaveOffer("host-b", 4, 4)
	if got == nil || got.TaskID() != "a" {
		t.Fatalf("expected locality match task a, got %v", got)
	}
}

func TestJobSlaveOfferRejectsInsufficientResources(t *testing.T) {
	a := &fakeTask{id: "a", cpus: 2, mem: 4}
	j := NewJob([]task.Task{a}, 2, 4, func(task.CompletionEvent) {})

	if got := j.SlaveOffer("h", 1, 4); got != nil {
		t.Fatalf("expected nil for insufficient cpus, got %v", got)
	}
	if got := j.SlaveOffer("h", 2, 1); got != nil {
		t.Fatalf("expected nil for insufficient mem, got %v", got)
	}
	if got := j.SlaveOffer("h", 2, 4); got == nil {
		t.Fatalf("expected a task once resources fit")
	}
}

func TestJobStatusUpdateRetriesUpToMax(t *testing.T) {
	a := &fakeTask{id: "a", cpus: 1, mem: 1}
	var ended []task.CompletionEvent
	j := NewJob([]task.Task{a}, 1, 1, func(ev task.CompletionEvent) { ended = append(ended, ev) })

	for i := 0; i < MaxRetries; i++ {
		got := j.SlaveOffer("h", 1, 1)
		if got == nil {
			t.Fatalf("expected a task on attempt %d", i)
		}
		j.StatusUpdate(got.TaskID(), got.Tried(), TaskFailed, nil, nil, nil)
	}
	if len(ended) != 0 {
		t.Fatalf("job should not have ended before exhausting retries, got %v", ended)
	}

	got := j.SlaveOffer("h", 1, 1)
	if got == nil {
		t.Fatalf("expected a final retry attempt")
	}
	j.StatusUpdate(got.TaskID(), got.Tried(), TaskFailed, nil, nil, nil)

	if len(ended) != 1 {
		t.Fatalf("expected exactly one completion event after exhausting retries, got %d", len(ended))
	}
	if !j.Finished() {
		t.Fatalf("expected job finished after exhausting a single task's retries")
	}
}

func TestJobStatusUpdateFinishedBubblesEvent(t *testing.T) {
	a := &fakeTask{id: "a", cpus: 1, mem: 1}
	var got task.CompletionEvent
	j := NewJob([]task.Task{a}, 1, 1, func(ev task.CompletionEvent) { got = ev })

	tsk := j.SlaveOffer("h", 1, 1)
	j.StatusUpdate(tsk.TaskID(), tsk.Tried(), TaskFinished, task.Success{}, 42, nil)

	if _, ok := got.Reason.(task.Success); !ok {
		t.Fatalf("expected Success reason, got %T", got.Reason)
	}
	if got.Result.(int) != 42 {
		t.Fatalf("expected result 42, got %v", got.Result)
	}
	if !j.Finished() {
		t.Fatalf("expected job finished")
	}
}

func TestJobCheckTaskTimeoutReenqueues(t *testing.T) {
	a := &fakeTask{id: "a", cpus: 1, mem: 1}
	j := NewJob([]task.Task{a}, 1, 1, func(task.CompletionEvent) {})

	tsk := j.SlaveOffer("h", 1, 1)
	if tsk == nil {
		t.Fatalf("expected a launched task")
	}
	st := j.states[tsk.TaskID()]
	st.deadline = time.Now().Add(-time.Second)

	if !j.CheckTaskTimeout() {
		t.Fatalf("expected timeout to be detected")
	}
	if len(j.pending) != 1 {
		t.Fatalf("expected the timed-out task to be re-enqueued, pending=%d", len(j.pending))
	}
}
