package dagdriver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/swarmguard/dagscheduler/internal/accum"
	"github.com/swarmguard/dagscheduler/internal/dataset"
	"github.com/swarmguard/dagscheduler/internal/stage"
	"github.com/swarmguard/dagscheduler/internal/task"
)

type fakeSplit struct{ idx int }

func (f fakeSplit) Index() int { return f.idx }

type intIter struct {
	vals []int
	i    int
}

func (it *intIter) Next() (any, bool) {
	if it.i >= len(it.vals) {
		return nil, false
	}
	v := it.vals[it.i]
	it.i++
	return v, true
}
func (it *intIter) Err() error { return nil }

// fakeRDD is a flat dataset of small integer partitions, with no
// dependencies (a narrow-only source).
type fakeRDD struct {
	id     int
	values [][]int
	deps   []dataset.Dependency
}

func (d *fakeRDD) ID() int { return d.id }
func (d *fakeRDD) Splits() []dataset.Split {
	out := make([]dataset.Split, len(d.values))
	for i := range out {
		out[i] = fakeSplit{i}
	}
	return out
}
func (d *fakeRDD) Iterator(split dataset.Split) (dataset.Iterator, error) {
	return &intIter{vals: d.values[split.Index()]}, nil
}
func (d *fakeRDD) Dependencies() []dataset.Dependency       { return d.deps }
func (d *fakeRDD) PreferredLocations(dataset.Split) []string { return nil }
func (d *fakeRDD) ShouldCache() bool                         { return false }
func (d *fakeRDD) Mem() float64                              { return 0 }

type fakeTracker struct{ locs map[int][][]string }

func (t *fakeTracker) RegisterRDD(id int, n int) {}
func (t *fakeTracker) GetLocationsSnapshot() map[int][][]string {
	if t.locs == nil {
		return map[int][][]string{}
	}
	return t.locs
}

type fakeMapOutputTracker struct {
	calls     int
	lastHosts []string
	lastID    int
}

func (m *fakeMapOutputTracker) RegisterMapOutputs(shuffleID int, hosts []string) {
	m.calls++
	m.lastID = shuffleID
	m.lastHosts = append([]string(nil), hosts...)
}

// fakeCluster immediately "executes" every submitted task inline and
// calls back into the driver with a Success completion event, simulating
// a cluster layer with infinite capacity and zero latency.
type fakeCluster struct {
	driver *Driver
	sumFn  func(t task.Task) (any, error)
}

func (c *fakeCluster) SubmitTasks(ctx context.Context, stageID stage.ID, tasks []task.Task) error {
	for _, t := range tasks {
		v, err := c.sumFn(t)
		var reason task.EndReason = task.Success{}
		if err != nil {
			reason = task.OtherFailure{Message: err.Error()}
		}
		c.driver.TaskEnded(task.CompletionEvent{Task: t, Reason: reason, Result: v})
	}
	return nil
}

func (c *fakeCluster) Check() {}

func sum(it dataset.Iterator) (any, error) {
	total := 0
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		total += v.(int)
	}
	return total, nil
}

func TestRunJobSingleNarrowMap(t *testing.T) {
	rdd := &fakeRDD{id: 1, values: [][]int{{1, 2}, {3}, {4, 5, 6}, {7}}}
	env := Env{CacheTracker: &fakeTracker{}, MapOutputTracker: &fakeMapOutputTracker{}, Accumulators: accum.NewRegistry()}

	d := New(nil, env, Options{KeepOrder: true})
	cluster := &fakeCluster{driver: d, sumFn: func(t task.Task) (any, error) {
		rt := t.(*task.ResultTask)
		it, _ := rt.RDD.Iterator(rdd.Splits()[rt.Partition()])
		return sum(it)
	}}
	d.cluster = cluster

	out, errFn := d.RunJob(context.Background(), rdd, sum, []int{0, 1, 2, 3}, false)

	var got []any
	for r := range out {
		got = append(got, r.Value)
	}
	if err := errFn(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []int{3, 3, 15, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].(int) != w {
			t.Fatalf("result %d: got %v want %d", i, got[i], w)
		}
	}
}

func TestRunJobLocalFastPath(t *testing.T) {
	rdd := &fakeRDD{id: 1, values: [][]int{{10, 20}}}
	env := Env{CacheTracker: &fakeTracker{}, MapOutputTracker: &fakeMapOutputTracker{}, Accumulators: accum.NewRegistry()}
	d := New(nil, env, Options{KeepOrder: true})

	out, errFn := d.RunJob(context.Background(), rdd, sum, []int{0}, true)

	select {
	case r, ok := <-out:
		if !ok {
			t.Fatalf("expected a result before channel close")
		}
		if r.Value.(int) != 30 {
			t.Fatalf("expected 30, got %v", r.Value)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for local fast-path result")
	}
	if err := errFn(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// shuffledRDD is a final-stage dataset with a single upstream
// ShuffleDependency, used to exercise the shuffle-map stage transition
// (a two-stage wordcount-shaped job: one shuffle-map stage feeding one
// result stage).
type shuffledRDD struct {
	id        int
	upstream  dataset.Dataset
	shuffleID int
	numParts  int
}

func (d *shuffledRDD) ID() int { return d.id }
func (d *shuffledRDD) Splits() []dataset.Split {
	out := make([]dataset.Split, d.numParts)
	for i := range out {
		out[i] = fakeSplit{i}
	}
	return out
}
func (d *shuffledRDD) Iterator(split dataset.Split) (dataset.Iterator, error) {
	return &intIter{vals: []int{split.Index() + 1}}, nil
}
func (d *shuffledRDD) Dependencies() []dataset.Dependency {
	return []dataset.Dependency{dataset.ShuffleDependency{RDD: d.upstream, ShuffleID: d.shuffleID}}
}
func (d *shuffledRDD) PreferredLocations(dataset.Split) []string { return nil }
func (d *shuffledRDD) ShouldCache() bool                         { return false }
func (d *shuffledRDD) Mem() float64                              { return 0 }

func TestRunJobTwoStageShuffleRegistersMapOutputsOnce(t *testing.T) {
	upstream := &fakeRDD{id: 1, values: [][]int{{1, 2}, {3, 4}}}
	final := &shuffledRDD{id: 2, upstream: upstream, shuffleID: 5, numParts: 2}

	tracker := &fakeMapOutputTracker{}
	env := Env{CacheTracker: &fakeTracker{}, MapOutputTracker: tracker, Accumulators: accum.NewRegistry()}
	d := New(nil, env, Options{KeepOrder: true})

	hosts := []string{"host-0", "host-1"}
	cluster := &fakeCluster{driver: d, sumFn: func(t task.Task) (any, error) {
		switch mt := t.(type) {
		case *task.ShuffleMapTask:
			return hosts[mt.Partition()], nil
		case *task.ResultTask:
			it, _ := mt.RDD.Iterator(final.Splits()[mt.Partition()])
			return sum(it)
		}
		return nil, fmt.Errorf("unexpected task type %T", t)
	}}
	d.cluster = cluster

	out, errFn := d.RunJob(context.Background(), final, sum, []int{0, 1}, false)
	var got []any
	for r := range out {
		got = append(got, r.Value)
	}
	if err := errFn(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(got), got)
	}

	if tracker.calls != 1 {
		t.Fatalf("expected RegisterMapOutputs called exactly once, got %d", tracker.calls)
	}
	if tracker.lastID != 5 {
		t.Fatalf("expected shuffle id 5, got %d", tracker.lastID)
	}
	if len(tracker.lastHosts) != 2 || tracker.lastHosts[0] != "host-0" || tracker.lastHosts[1] != "host-1" {
		t.Fatalf("expected host list [host-0 host-1], got %v", tracker.lastHosts)
	}
}

func TestRunJobEmptyPartitions(t *testing.T) {
	rdd := &fakeRDD{id: 1, values: [][]int{{1}}}
	env := Env{CacheTracker: &fakeTracker{}, MapOutputTracker: &fakeMapOutputTracker{}, Accumulators: accum.NewRegistry()}
	d := New(nil, env, Options{KeepOrder: true})

	out, errFn := d.RunJob(context.Background(), rdd, sum, nil, false)
	count := 0
	for range out {
		count++
	}
	if count != 0 {
		t.Fatalf("expected zero results for empty partitions, got %d", count)
	}
	if err := errFn(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
