// Package stage builds and tracks the stage DAG a dataset lineage
// decomposes into. Stages live in an Arena addressed by integer handles
// rather than the original weak id->stage map: a run's Arena is cleared
// wholesale between independent top-level runs instead of relying on
// garbage collection to drop unreferenced stages.
package stage

import (
	"fmt"

	"github.com/swarmguard/dagscheduler/internal/dataset"
)

// ID is a stage handle, monotonically increasing and unique within an
// Arena's lifetime.
type ID int

// Stage is a maximal subgraph of datasets connected by narrow
// dependencies, bounded by either a terminal action (result stage) or a
// shuffle dependency on its output side (shuffle-map stage).
type Stage struct {
	ID         ID
	RDD        dataset.Dataset
	ShuffleDep *dataset.ShuffleDependency // nil for the result stage
	Parents    []ID

	NumPartitions int
	OutputLocs    [][]string // OutputLocs[p] = hosts that have materialized partition p
}

// IsAvailable reports whether the stage's output is fully materialized:
// trivially true for a stage with no parents and no shuffle dependency,
// otherwise true iff every partition has at least one host.
func (s *Stage) IsAvailable() bool {
	if len(s.Parents) == 0 && s.ShuffleDep == nil {
		return true
	}
	for _, locs := range s.OutputLocs {
		if len(locs) == 0 {
			return false
		}
	}
	return true
}

// AddOutputLoc records that host now holds partition's materialized
// output.
func (s *Stage) AddOutputLoc(partition int, host string) {
	s.OutputLocs[partition] = append(s.OutputLocs[partition], host)
}

// DropOutputLoc removes host from partition's location list, used when a
// FetchFailed event reports that host no longer serves the shuffle
// output and the stage must be recomputed for that partition.
func (s *Stage) DropOutputLoc(partition int, host string) {
	locs := s.OutputLocs[partition]
	kept := locs[:0]
	for _, h := range locs {
		if h != host {
			kept = append(kept, h)
		}
	}
	s.OutputLocs[partition] = kept
}

func (s *Stage) String() string {
	return fmt.Sprintf("Stage(%d)", s.ID)
}

// Arena owns every Stage created for a run. It replaces the source's
// weak-reference id->stage map: stages are addressed by ID and retained
// until Clear truncates the arena between independent top-level runs.
type Arena struct {
	stages         []*Stage
	shuffleToStage map[int]ID // shuffleId -> shuffle-map stage id, memoized for the arena's lifetime
}

// NewArena constructs an empty stage arena.
func NewArena() *Arena {
	return &Arena{shuffleToStage: make(map[int]ID)}
}

// Len reports how many stages the arena currently holds.
func (a *Arena) Len() int { return len(a.stages) }

// Get resolves a stage handle. Panics on an invalid id: a bad handle is a
// programmer error, never a runtime condition.
func (a *Arena) Get(id ID) *Stage {
	idx := int(id)
	if idx < 0 || idx >= len(a.stages) {
		panic(fmt.Sprintf("stage arena: invalid id %d", id))
	}
	return a.stages[idx]
}

// NewStage allocates a stage for rdd with the given shuffle dependency
// (nil for a result stage) and parent set, assigning it the next handle.
func (a *Arena) NewStage(rdd dataset.Dataset, shuffleDep *dataset.ShuffleDependency, parents []ID) *Stage {
	id := ID(len(a.stages))
	s := &Stage{
		ID:            id,
		RDD:           rdd,
		ShuffleDep:    shuffleDep,
		Parents:       parents,
		NumPartitions: len(rdd.Splits()),
	}
	s.OutputLocs = make([][]string, s.NumPartitions)
	a.stages = append(a.stages, s)
	return s
}

// ShuffleMapStage returns the arena's memoized shuffle-map stage for dep,
// creating it on first reference via build. A shuffle id maps to exactly
// one shuffle-map stage for the arena's lifetime.
func (a *Arena) ShuffleMapStage(dep dataset.ShuffleDependency, build func(a *Arena) []ID) *Stage {
	if id, ok := a.shuffleToStage[dep.ShuffleID]; ok {
		return a.Get(id)
	}
	parents := build(a)
	s := a.NewStage(dep.RDD, &dep, parents)
	a.shuffleToStage[dep.ShuffleID] = s.ID
	return s
}

// Clear truncates the arena, releasing every stage. Call between
// independent top-level runs.
func (a *Arena) Clear() {
	a.stages = nil
	a.shuffleToStage = make(map[int]ID)
}
