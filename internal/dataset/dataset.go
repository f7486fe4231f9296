// Package dataset defines the lineage-graph collaborator surface the
// scheduler drives: datasets, their dependencies, and partitioners. The
// lineage model itself, shuffle data movement, and caching are out of
// scope for this module; this package only exposes the minimal contract
// the stage graph builder and DAG driver need.
package dataset

// Split is an opaque partition descriptor belonging to a Dataset.
type Split interface {
	Index() int
}

// Dataset is the external lineage-graph contract a user-submitted
// computation is built from. Implementations live outside this module;
// tests here use small in-memory fakes.
type Dataset interface {
	// ID is a stable, process-wide unique dataset identifier.
	ID() int
	// Splits returns the dataset's partitions.
	Splits() []Split
	// Iterator lazily yields the values of one partition.
	Iterator(split Split) (Iterator, error)
	// Dependencies lists this dataset's upstream edges.
	Dependencies() []Dependency
	// PreferredLocations returns hostnames preferred for a given split,
	// most-preferred first. An empty slice means "no preference."
	PreferredLocations(split Split) []string
	// ShouldCache reports whether this dataset's output should be
	// registered with the cache tracker.
	ShouldCache() bool
	// Mem is a per-dataset memory override; 0 means "use the cluster
	// default."
	Mem() float64
}

// Iterator lazily walks the values of one partition.
type Iterator interface {
	Next() (any, bool)
	Err() error
}

// Dependency is either a NarrowDependency or a ShuffleDependency.
type Dependency interface {
	Upstream() Dataset
	dependencyMarker()
}

// NarrowDependency maps each downstream partition to a bounded set of
// upstream partitions without a reshuffle.
type NarrowDependency struct {
	RDD Dataset
}

func (n NarrowDependency) Upstream() Dataset { return n.RDD }
func (NarrowDependency) dependencyMarker()   {}

// ShuffleDependency requires every upstream output to be materialized and
// repartitioned via Partitioner before downstream consumers can run.
type ShuffleDependency struct {
	RDD         Dataset
	ShuffleID   int
	Partitioner Partitioner
	Aggregator  Aggregator
}

func (s ShuffleDependency) Upstream() Dataset { return s.RDD }
func (ShuffleDependency) dependencyMarker()   {}

// Partitioner assigns a downstream partition index to a key.
type Partitioner interface {
	NumPartitions() int
	GetPartition(key any) int
}

// Aggregator combines values sharing a partition key during a shuffle.
// Out of scope beyond this marker interface: shuffle data movement and
// merge semantics live in the executor-side runtime.
type Aggregator interface {
	aggregatorMarker()
}

// CacheTracker registers dataset partition counts and reports point-in-time
// cache-location snapshots. Implemented outside this module; the stage
// graph builder only calls through this interface.
type CacheTracker interface {
	RegisterRDD(id int, numPartitions int)
	GetLocationsSnapshot() map[int][][]string
}

// MapOutputTracker records, for a shuffle id, the host that produced each
// map output partition.
type MapOutputTracker interface {
	RegisterMapOutputs(shuffleID int, hostPerPartition []string)
}
