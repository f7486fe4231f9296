package history

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestStorePutAndGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, otel.Meter("history_test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	rec := Record{JobID: "job-1", StageID: 3, Partitions: 4, Success: true, StartTime: time.Now(), EndTime: time.Now()}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("expected to find job-1, ok=%v err=%v", ok, err)
	}
	if got.StageID != 3 || !got.Success {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestStoreGetMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, otel.Meter("history_test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestStoreRange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, otel.Meter("history_test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	base := time.Now()
	for i, jobID := range []string{"a", "b", "c"} {
		rec := Record{JobID: jobID, Success: true, EndTime: base.Add(time.Duration(i) * time.Second)}
		if err := s.Put(context.Background(), rec); err != nil {
			t.Fatalf("put %s: %v", jobID, err)
		}
	}

	got, err := s.Range(context.Background(), base.Add(-time.Minute), base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
}
