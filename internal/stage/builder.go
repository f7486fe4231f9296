package stage

import "github.com/swarmguard/dagscheduler/internal/dataset"

// Builder constructs stages for an Arena, resolving shuffle boundaries
// against a cache tracker the way the original DAGScheduler.visit
// closures do.
type Builder struct {
	Arena   *Arena
	Tracker dataset.CacheTracker
}

// NewBuilder constructs a Builder over arena, using tracker to register
// cacheable datasets and prune fully-cached subtrees.
func NewBuilder(arena *Arena, tracker dataset.CacheTracker) *Builder {
	return &Builder{Arena: arena, Tracker: tracker}
}

// NewStage allocates a stage for rdd (shuffleDep nil for a result stage),
// resolving its parent stages via ParentStages first.
func (b *Builder) NewStage(rdd dataset.Dataset, shuffleDep *dataset.ShuffleDependency) *Stage {
	parents := b.ParentStages(rdd)
	return b.Arena.NewStage(rdd, shuffleDep, parents)
}

// ParentStages returns the immediate parent stage ids reached from rdd:
// one per distinct shuffle dependency found by a narrow-edge DFS. Order
// is stable per invocation but otherwise unspecified.
func (b *Builder) ParentStages(rdd dataset.Dataset) []ID {
	visited := make(map[int]bool)
	seen := make(map[ID]bool)
	var parents []ID

	var visit func(r dataset.Dataset)
	visit = func(r dataset.Dataset) {
		if visited[r.ID()] {
			return
		}
		visited[r.ID()] = true
		if r.ShouldCache() {
			b.Tracker.RegisterRDD(r.ID(), len(r.Splits()))
		}
		for _, dep := range r.Dependencies() {
			if sd, ok := dep.(dataset.ShuffleDependency); ok {
				stage := b.Arena.ShuffleMapStage(sd, func(a *Arena) []ID {
					return b.ParentStages(sd.RDD)
				})
				if !seen[stage.ID] {
					seen[stage.ID] = true
					parents = append(parents, stage.ID)
				}
			} else {
				visit(dep.Upstream())
			}
		}
	}
	visit(rdd)
	return parents
}

// MissingParentStages walks stage.RDD honoring narrow edges, pruning a
// subtree whose root is cacheable and fully cached, and collects every
// shuffle-map stage reached this way that is not yet available.
func (b *Builder) MissingParentStages(cacheLocs map[int][][]string, st *Stage) []ID {
	visited := make(map[int]bool)
	seen := make(map[ID]bool)
	var missing []ID

	var visit func(r dataset.Dataset)
	visit = func(r dataset.Dataset) {
		if visited[r.ID()] {
			return
		}
		visited[r.ID()] = true
		if r.ShouldCache() && fullyCached(cacheLocs[r.ID()], len(r.Splits())) {
			return
		}
		for _, dep := range r.Dependencies() {
			if sd, ok := dep.(dataset.ShuffleDependency); ok {
				s := b.Arena.ShuffleMapStage(sd, func(a *Arena) []ID {
					return b.ParentStages(sd.RDD)
				})
				if !s.IsAvailable() && !seen[s.ID] {
					seen[s.ID] = true
					missing = append(missing, s.ID)
				}
			} else {
				visit(dep.Upstream())
			}
		}
	}
	visit(st.RDD)
	return missing
}

func fullyCached(locs [][]string, numPartitions int) bool {
	if len(locs) < numPartitions {
		return false
	}
	for _, l := range locs[:numPartitions] {
		if len(l) == 0 {
			return false
		}
	}
	return true
}
