// Command scheduler wires the DAG driver, cluster scheduler and NATS
// broker into a running process: it registers with the cluster, runs a
// demo job on startup, and serves a health endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/swarmguard/dagscheduler/internal/accum"
	"github.com/swarmguard/dagscheduler/internal/cluster"
	"github.com/swarmguard/dagscheduler/internal/dagdriver"
	"github.com/swarmguard/dagscheduler/internal/dataset"
	"github.com/swarmguard/dagscheduler/internal/history"
	"github.com/swarmguard/dagscheduler/internal/task"
	"github.com/swarmguard/dagscheduler/internal/telemetry"
	"go.opentelemetry.io/otel"
)

func main() {
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "offer broker NATS url")
	httpAddr := flag.String("http-addr", ":8080", "health endpoint listen address")
	dataDir := flag.String("data-dir", "./data", "directory for the execution history database")
	frameworkID := flag.String("framework-id", "dagscheduler", "NATS subject prefix identifying this framework")
	cpus := flag.Float64("cpus", 1, "default cpus requested per task")
	mem := flag.Float64("mem", 128, "default mem (MB) requested per task")
	flag.Parse()

	const service = "dagscheduler"
	telemetry.InitLogging(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracing(ctx, service)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, service)

	hist, err := history.Open(*dataDir, otel.Meter(service))
	if err != nil {
		slog.Warn("history store unavailable, running without an audit log", "error", err)
		hist = nil
	}

	broker := cluster.NewNatsBroker(*natsURL, cluster.DefaultSubjects(*frameworkID), nil)
	opts := cluster.Options{CPUs: *cpus, Mem: *mem, TaskPerNode: cluster.DefaultTaskPerNode}
	sched := cluster.NewScheduler(broker, opts, gobDecoder{})
	broker.SetCallbacks(sched)

	registry := accum.NewRegistry()
	registry.Register("rows_processed", int64(0), accum.SumInt64{})

	tracker := newMemTracker()
	env := dagdriver.Env{CacheTracker: tracker, MapOutputTracker: tracker, Accumulators: registry}
	driver := dagdriver.New(sched, env, dagdriver.Options{KeepOrder: true})
	sched.SetOnEnded(driver.TaskEnded)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := runDemoJob(ctx, driver, hist); err != nil {
		slog.Error("demo job failed", "error", err)
	}

	slog.Info("scheduler started", "nats_url", *natsURL, "http_addr", *httpAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	driver.Shutdown()
	_ = sched.Stop()
	sched.StopRevive()
	if hist != nil {
		_ = hist.Close()
	}
	telemetry.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// runDemoJob submits a small narrow-only map job so a fresh deployment
// has something observable on its first offer cycle.
func runDemoJob(ctx context.Context, driver *dagdriver.Driver, hist *history.Store) error {
	rdd := newSliceDataset(1, [][]int{{1, 2, 3}, {4, 5}, {6, 7, 8, 9}})
	start := time.Now()

	out, errFn := driver.RunJob(ctx, rdd, sumPartition, []int{0, 1, 2}, true)
	var total int
	for r := range out {
		total += r.Value.(int)
	}
	if err := errFn(); err != nil {
		return err
	}
	slog.Info("demo job completed", "total", total, "elapsed", time.Since(start))

	if hist != nil {
		rec := history.Record{
			JobID: "demo-startup-job", StageID: 0, Partitions: 3, Success: true,
			StartTime: start, EndTime: time.Now(),
		}
		if err := hist.Put(ctx, rec); err != nil {
			slog.Warn("failed to record demo job in history", "error", err)
		}
	}
	return nil
}

func sumPartition(it dataset.Iterator) (any, error) {
	total := 0
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		total += v.(int)
	}
	return total, it.Err()
}

// gobDecoder decodes a result payload gob-encoded as a single int,
// matching the demo job's result type.
type gobDecoder struct{}

func (gobDecoder) Decode(_ context.Context, _ task.ResultEncoding, raw []byte) (any, error) {
	var v int
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// memTracker is an in-process CacheTracker/MapOutputTracker: cache
// locations and map outputs only ever reflect this single process's
// task-completion callbacks, never a real distributed block manager.
type memTracker struct {
	mu          sync.Mutex
	partitions  map[int]int
	cacheLocs   map[int][][]string
	mapOutputs  map[int][]string
}

func newMemTracker() *memTracker {
	return &memTracker{
		partitions: make(map[int]int),
		cacheLocs:  make(map[int][][]string),
		mapOutputs: make(map[int][]string),
	}
}

func (t *memTracker) RegisterRDD(id int, numPartitions int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[id] = numPartitions
	if _, ok := t.cacheLocs[id]; !ok {
		t.cacheLocs[id] = make([][]string, numPartitions)
	}
}

func (t *memTracker) GetLocationsSnapshot() map[int][][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int][][]string, len(t.cacheLocs))
	for id, locs := range t.cacheLocs {
		out[id] = append([][]string(nil), locs...)
	}
	return out
}

func (t *memTracker) RegisterMapOutputs(shuffleID int, hostPerPartition []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mapOutputs[shuffleID] = append([]string(nil), hostPerPartition...)
}

// sliceDataset is a flat, dependency-free dataset over in-memory int
// partitions, used only to exercise the driver on startup.
type sliceDataset struct {
	id     int
	values [][]int
}

func newSliceDataset(id int, values [][]int) *sliceDataset {
	return &sliceDataset{id: id, values: values}
}

type intSplit struct{ idx int }

func (s intSplit) Index() int { return s.idx }

type sliceIterator struct {
	vals []int
	pos  int
}

func (it *sliceIterator) Next() (any, bool) {
	if it.pos >= len(it.vals) {
		return nil, false
	}
	v := it.vals[it.pos]
	it.pos++
	return v, true
}
func (it *sliceIterator) Err() error { return nil }

func (d *sliceDataset) ID() int { return d.id }
func (d *sliceDataset) Splits() []dataset.Split {
	out := make([]dataset.Split, len(d.values))
	for i := range d.values {
		out[i] = intSplit{i}
	}
	return out
}
func (d *sliceDataset) Iterator(split dataset.Split) (dataset.Iterator, error) {
	return &sliceIterator{vals: d.values[split.Index()]}, nil
}
func (d *sliceDataset) Dependencies() []dataset.Dependency        { return nil }
func (d *sliceDataset) PreferredLocations(dataset.Split) []string { return nil }
func (d *sliceDataset) ShouldCache() bool                         { return false }
func (d *sliceDataset) Mem() float64                              { return 0 }
