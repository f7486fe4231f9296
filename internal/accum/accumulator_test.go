package accum

import (
	"context"
	"testing"
)

func TestRegistryMergeSumInt64(t *testing.T) {
	r := NewRegistry()
	r.Register("rows_read", int64(0), SumInt64{})

	if err := r.MergeUpdates(map[string]any{"rows_read": int64(5)}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := r.MergeUpdates(map[string]any{"rows_read": int64(3)}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	v, ok := r.Value("rows_read")
	if !ok {
		t.Fatalf("expected rows_read to be registered")
	}
	if v.(int64) != 8 {
		t.Fatalf("expected 8, got %v", v)
	}
}

func TestMergeUnknownAccumulator(t *testing.T) {
	r := NewRegistry()
	err := r.MergeUpdates(map[string]any{"missing": int64(1)})
	if err == nil {
		t.Fatalf("expected error for unregistered accumulator")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("x", int64(0), SumInt64{})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register("x", int64(0), SumInt64{})
}

func TestWithRegistryContext(t *testing.T) {
	r := NewRegistry()
	ctx := WithRegistry(context.Background(), r)
	got, ok := FromContext(ctx)
	if !ok || got != r {
		t.Fatalf("expected registry round trip through context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no registry in bare context")
	}
}
