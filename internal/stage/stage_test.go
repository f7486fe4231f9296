package stage

import (
	"testing"

	"github.com/swarmguard/dagscheduler/internal/dataset"
)

type fakeSplit struct{ idx int }

func (f fakeSplit) Index() int { return f.idx }

type fakeIter struct{ vals []any; i int }

func (f *fakeIter) Next() (any, bool) {
	if f.i >= len(f.vals) {
		return nil, false
	}
	v := f.vals[f.i]
	f.i++
	return v, true
}
func (f *fakeIter) Err() error { return nil }

type fakeDataset struct {
	id          int
	numParts    int
	deps        []dataset.Dependency
	shouldCache bool
}

func (d *fakeDataset) ID() int { return d.id }
func (d *fakeDataset) Splits() []dataset.Split {
	out := make([]dataset.Split, d.numParts)
	for i := range out {
		out[i] = fakeSplit{i}
	}
	return out
}
func (d *fakeDataset) Iterator(split dataset.Split) (dataset.Iterator, error) {
	return &fakeIter{}, nil
}
func (d *fakeDataset) Dependencies() []dataset.Dependency   { return d.deps }
func (d *fakeDataset) PreferredLocations(dataset.Split) []string { return nil }
func (d *fakeDataset) ShouldCache() bool                    { return d.shouldCache }
func (d *fakeDataset) Mem() float64                         { return 0 }

type fakeTracker struct {
	registered map[int]int
	locs       map[int][][]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{registered: map[int]int{}, locs: map[int][][]string{}}
}
func (t *fakeTracker) RegisterRDD(id int, numPartitions int) { t.registered[id] = numPartitions }
func (t *fakeTracker) GetLocationsSnapshot() map[int][][]string { return t.locs }

func TestParentStagesNarrowOnly(t *testing.T) {
	a := &fakeDataset{id: 1, numParts: 4}
	b := &fakeDataset{id: 2, numParts: 4, deps: []dataset.Dependency{dataset.NarrowDependency{RDD: a}}}

	arena := NewArena()
	builder := NewBuilder(arena, newFakeTracker())
	parents := builder.ParentStages(b)
	if len(parents) != 0 {
		t.Fatalf("expected no parent stages across narrow deps, got %v", parents)
	}
}

func TestShuffleMapStageMemoized(t *testing.T) {
	upstream := &fakeDataset{id: 1, numParts: 3}
	sd := dataset.ShuffleDependency{RDD: upstream, ShuffleID: 7, Partitioner: nil}
	downstream := &fakeDataset{id: 2, numParts: 2, deps: []dataset.Dependency{sd}}

	arena := NewArena()
	builder := NewBuilder(arena, newFakeTracker())

	parents1 := builder.ParentStages(downstream)
	parents2 := builder.ParentStages(downstream)
	if len(parents1) != 1 || len(parents2) != 1 {
		t.Fatalf("expected exactly one shuffle-map parent stage per call")
	}
	if parents1[0] != parents2[0] {
		t.Fatalf("shuffle id %d should memoize to the same stage, got %v and %v", sd.ShuffleID, parents1, parents2)
	}
}

func TestStageIsAvailable(t *testing.T) {
	rdd := &fakeDataset{id: 1, numParts: 2}
	arena := NewArena()
	s := arena.NewStage(rdd, nil, nil)
	if !s.IsAvailable() {
		t.Fatalf("stage with no parents and no shuffle dep should be trivially available")
	}

	sd := dataset.ShuffleDependency{RDD: rdd, ShuffleID: 1}
	shuffled := arena.NewStage(rdd, &sd, []ID{s.ID})
	if shuffled.IsAvailable() {
		t.Fatalf("stage with empty outputLocs should not be available")
	}
	shuffled.AddOutputLoc(0, "host-a")
	shuffled.AddOutputLoc(1, "host-b")
	if !shuffled.IsAvailable() {
		t.Fatalf("stage with every partition located should be available")
	}
}

func TestMissingParentStagesUncachedShuffle(t *testing.T) {
	upstream := &fakeDataset{id: 1, numParts: 2, shouldCache: true}
	sd := dataset.ShuffleDependency{RDD: upstream, ShuffleID: 9}
	downstream := &fakeDataset{id: 2, numParts: 2, deps: []dataset.Dependency{sd}}

	arena := NewArena()
	builder := NewBuilder(arena, newFakeTracker())
	final := builder.NewStage(downstream, nil)

	missing := builder.MissingParentStages(map[int][][]string{}, final)
	if len(missing) != 1 {
		t.Fatalf("expected the shuffle-map stage to be missing, got %v", missing)
	}
}

func TestMissingParentStagesPrunesFullyCached(t *testing.T) {
	upstream := &fakeDataset{id: 1, numParts: 2}
	sd := dataset.ShuffleDependency{RDD: upstream, ShuffleID: 10}
	cached := &fakeDataset{id: 2, numParts: 2, deps: []dataset.Dependency{sd}, shouldCache: true}
	downstream := &fakeDataset{id: 3, numParts: 2, deps: []dataset.Dependency{dataset.NarrowDependency{RDD: cached}}}

	arena := NewArena()
	builder := NewBuilder(arena, newFakeTracker())
	final := builder.NewStage(downstream, nil)

	cacheLocs := map[int][][]string{
		cached.ID(): {{"host-a"}, {"host-b"}},
	}
	missing := builder.MissingParentStages(cacheLocs, final)
	if len(missing) != 0 {
		t.Fatalf("expected the fully-cached upstream subtree to be pruned, got %v", missing)
	}
}

func TestArenaClearReleasesStages(t *testing.T) {
	rdd := &fakeDataset{id: 1, numParts: 1}
	arena := NewArena()
	arena.NewStage(rdd, nil, nil)
	arena.Clear()
	s := arena.NewStage(rdd, nil, nil)
	if s.ID != 0 {
		t.Fatalf("expected id to restart at 0 after Clear, got %d", s.ID)
	}
}
