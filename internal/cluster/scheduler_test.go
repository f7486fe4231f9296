package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/dagscheduler/internal/stage"
	"github.com/swarmguard/dagscheduler/internal/task"
)

type fakeBroker struct {
	mu       sync.Mutex
	launched []LaunchTask
	declined []string
	revived  int
	onStart  func()
}

func (b *fakeBroker) Start(ctx context.Context) error {
	if b.onStart != nil {
		b.onStart()
	}
	return nil
}
func (b *fakeBroker) Stop(failover bool) error { return nil }
func (b *fakeBroker) ReviveOffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revived++
}
func (b *fakeBroker) LaunchTasks(ctx context.Context, offerID string, tasks []LaunchTask, refuseSeconds float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(tasks) == 0 {
		b.declined = append(b.declined, offerID)
		return nil
	}
	b.launched = append(b.launched, tasks...)
	return nil
}
func (b *fakeBroker) KillTask(taskID string) error { return nil }

func (b *fakeBroker) snapshot() (launched []LaunchTask, declined []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LaunchTask(nil), b.launched...), append([]string(nil), b.declined...)
}

type intDecoder struct{}

func (intDecoder) Decode(ctx context.Context, codec task.ResultEncoding, raw []byte) (any, error) {
	var v int
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func newTestScheduler(opts Options) (*Scheduler, *fakeBroker) {
	broker := &fakeBroker{}
	sched := NewScheduler(broker, opts, intDecoder{})
	broker.onStart = func() { sched.Registered() }
	return sched, broker
}

func submitAndWait(t *testing.T, sched *Scheduler, tasks []task.Task) {
	t.Helper()
	if err := sched.SubmitTasks(context.Background(), stage.ID(0), tasks); err != nil {
		t.Fatalf("submit tasks: %v", err)
	}
}

func TestResourceOffersInsufficientMemoryDeclines(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 100, TaskPerNode: 8})
	submitAndWait(t, sched, []task.Task{&fakeTask{id: "a", cpus: 1, mem: 100}})

	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "s1", Hostname: "h1", CPUs: 4, Mem: 50}})

	launched, declined := broker.snapshot()
	if len(launched) != 0 {
		t.Fatalf("expected no launches for insufficient memory, got %v", launched)
	}
	if len(declined) != 1 {
		t.Fatalf("expected the offer declined, got %v", declined)
	}
}

func TestResourceOffersLaunchesWhenResourcesFit(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 10, TaskPerNode: 8})
	submitAndWait(t, sched, []task.Task{&fakeTask{id: "a", cpus: 1, mem: 10}})

	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "s1", Hostname: "h1", CPUs: 2, Mem: 100}})

	launched, _ := broker.snapshot()
	if len(launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(launched))
	}
}

func TestResourceOffersPerNodeCap(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 1, TaskPerNode: 1})
	submitAndWait(t, sched, []task.Task{
		&fakeTask{id: "a", cpus: 1, mem: 1},
		&fakeTask{id: "b", cpus: 1, mem: 1},
	})

	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "s1", Hostname: "h1", CPUs: 100, Mem: 1000}})

	launched, _ := broker.snapshot()
	if len(launched) != 1 {
		t.Fatalf("expected exactly one launch under a per-node cap of 1, got %d", len(launched))
	}
}

func TestResourceOffersSkipsQuarantinedSlave(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 1, TaskPerNode: 8})
	submitAndWait(t, sched, []task.Task{&fakeTask{id: "a", cpus: 1, mem: 1}})

	sched.SlaveLost(context.Background(), "bad-slave")
	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "bad-slave", Hostname: "h1", CPUs: 10, Mem: 100}})

	launched, declined := broker.snapshot()
	if len(launched) != 0 {
		t.Fatalf("expected no launches onto a quarantined slave, got %v", launched)
	}
	if len(declined) != 1 {
		t.Fatalf("expected the offer declined, got %v", declined)
	}
}

func TestStatusUpdateFinishedRoutesCompletionEvent(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 10, TaskPerNode: 8})

	evCh := make(chan task.CompletionEvent, 1)
	sched.SetOnEnded(func(ev task.CompletionEvent) { evCh <- ev })

	tsk := &fakeTask{id: "a", cpus: 1, mem: 10}
	submitAndWait(t, sched, []task.Task{tsk})
	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "s1", Hostname: "h1", CPUs: 2, Mem: 100}})

	launched, _ := broker.snapshot()
	if len(launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(launched))
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(42); err != nil {
		t.Fatalf("encode raw result: %v", err)
	}
	wire := task.EncodeResult(tsk.TaskID(), task.Success{}, task.InlineGeneric, raw.Bytes(), nil)
	var data bytes.Buffer
	if err := gob.NewEncoder(&data).Encode(wire); err != nil {
		t.Fatalf("encode result wire: %v", err)
	}

	sched.StatusUpdate(context.Background(), StatusUpdate{TaskID: launched[0].TaskID, State: TaskFinished, Data: data.Bytes()})

	select {
	case ev := <-evCh:
		if _, ok := ev.Reason.(task.Success); !ok {
			t.Fatalf("expected Success reason, got %T", ev.Reason)
		}
		if ev.Result.(int) != 42 {
			t.Fatalf("expected decoded result 42, got %v", ev.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion event")
	}
}

func TestCheckRevivesOffersOnTimeout(t *testing.T) {
	sched, broker := newTestScheduler(Options{CPUs: 1, Mem: 1, TaskPerNode: 8})
	tsk := &fakeTask{id: "a", cpus: 1, mem: 1}
	submitAndWait(t, sched, []task.Task{tsk})
	sched.ResourceOffers(context.Background(), []Offer{{ID: "o1", SlaveID: "s1", Hostname: "h1", CPUs: 10, Mem: 100}})

	sched.mu.Lock()
	for _, j := range sched.activeJobs {
		for _, st := range j.states {
			st.deadline = time.Now().Add(-time.Second)
		}
	}
	sched.mu.Unlock()

	sched.Check()

	broker.mu.Lock()
	revived := broker.revived
	broker.mu.Unlock()
	if revived == 0 {
		t.Fatalf("expected ReviveOffers to be called after a task timeout")
	}
}
