// Package task defines the two task variants the DAG driver emits and
// their wire representation, including the result-encoding tagged union
// and closed TaskEndReason union described by the scheduler's contract.
package task

import (
	"github.com/google/uuid"
	"github.com/swarmguard/dagscheduler/internal/dataset"
	"github.com/swarmguard/dagscheduler/internal/stage"
)

// ID identifies a task across its lifetime, unique for the scheduler
// process.
type ID string

// NewID mints a fresh task id.
func NewID() ID { return ID(uuid.NewString()) }

// Task is the common surface both ResultTask and ShuffleMapTask satisfy.
type Task interface {
	TaskID() ID
	StageID() stage.ID
	Partition() int
	PreferredLocs() []string
	CPUs() float64
	Mem() float64
	Tried() int
	IncrTried()
}

// base carries the fields common to both task variants.
type base struct {
	id            ID
	stageID       stage.ID
	partition     int
	preferredLocs []string
	cpus          float64
	mem           float64
	tried         int
}

func (b *base) TaskID() ID              { return b.id }
func (b *base) StageID() stage.ID       { return b.stageID }
func (b *base) Partition() int          { return b.partition }
func (b *base) PreferredLocs() []string { return b.preferredLocs }
func (b *base) CPUs() float64           { return b.cpus }
func (b *base) Mem() float64            { return b.mem }
func (b *base) Tried() int              { return b.tried }
func (b *base) IncrTried()              { b.tried++ }

// ResultTask applies fn to the iterator of one partition of RDD; its
// result is the user-visible output for OutputIndex.
type ResultTask struct {
	base
	RDD         dataset.Dataset
	Fn          func(dataset.Iterator) (any, error)
	OutputIndex int
}

// NewResultTask constructs a ResultTask for the given stage/partition.
func NewResultTask(stageID stage.ID, rdd dataset.Dataset, fn func(dataset.Iterator) (any, error), partition int, locs []string, outputIndex int, cpus, mem float64) *ResultTask {
	return &ResultTask{
		base: base{
			id:            NewID(),
			stageID:       stageID,
			partition:     partition,
			preferredLocs: locs,
			cpus:          cpus,
			mem:           mem,
		},
		RDD:         rdd,
		Fn:          fn,
		OutputIndex: outputIndex,
	}
}

// ShuffleMapTask writes shuffle output for dep's partitioner; its result
// is the host where that output now lives.
type ShuffleMapTask struct {
	base
	RDD        dataset.Dataset
	ShuffleDep dataset.ShuffleDependency
}

// NewShuffleMapTask constructs a ShuffleMapTask for the given
// stage/partition.
func NewShuffleMapTask(stageID stage.ID, rdd dataset.Dataset, dep dataset.ShuffleDependency, partition int, locs []string, cpus, mem float64) *ShuffleMapTask {
	return &ShuffleMapTask{
		base: base{
			id:            NewID(),
			stageID:       stageID,
			partition:     partition,
			preferredLocs: locs,
			cpus:          cpus,
			mem:           mem,
		},
		RDD:        rdd,
		ShuffleDep: dep,
	}
}

// EndReason is the closed tagged union a CompletionEvent carries,
// replacing the source's exception-carrying failure values.
type EndReason interface {
	endReasonMarker()
}

// Success indicates the task produced a result.
type Success struct{}

func (Success) endReasonMarker() {}

// FetchFailed indicates a downstream task could not read an upstream
// shuffle output; implies the producing stage must be recomputed.
type FetchFailed struct {
	ServerURI string
	ShuffleID int
	MapID     int
	ReduceID  int
}

func (FetchFailed) endReasonMarker() {}

// OtherFailure is any uncaught task failure; it propagates to the caller
// and aborts the run.
type OtherFailure struct {
	Message string
}

func (OtherFailure) endReasonMarker() {}

// CompletionEvent reports the outcome of one task attempt.
type CompletionEvent struct {
	Task         Task
	Reason       EndReason
	Result       any
	AccumUpdates map[string]any
}
