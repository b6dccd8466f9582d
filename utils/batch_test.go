package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestParallelEach(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		items       []int
		concurrency int
	}{
		{name: "empty items", items: []int{}, concurrency: 5},
		{name: "single item", items: []int{1}, concurrency: 5},
		{name: "multiple items", items: []int{1, 2, 3, 4, 5}, concurrency: 3},
		{name: "default concurrency", items: []int{1, 2, 3}, concurrency: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			errs := ParallelEach(ctx, tt.items, func(ctx context.Context, item int) error {
				calls.Add(1)
				return nil
			}, tt.concurrency)

			if len(errs) != len(tt.items) {
				t.Fatalf("ParallelEach() returned %d errors, want %d", len(errs), len(tt.items))
			}
			if int(calls.Load()) != len(tt.items) {
				t.Errorf("ParallelEach() made %d calls, want %d", calls.Load(), len(tt.items))
			}
			if err := FirstError(errs); err != nil {
				t.Errorf("FirstError() = %v, want nil", err)
			}
		})
	}
}

func TestParallelEach_PartialFailure(t *testing.T) {
	boom := errors.New("boom")
	errs := ParallelEach(context.Background(), []int{1, 2, 3}, func(ctx context.Context, item int) error {
		if item == 2 {
			return boom
		}
		return nil
	}, 2)

	if errs[0] != nil || errs[2] != nil {
		t.Errorf("unexpected errors for healthy items: %v", errs)
	}
	if !errors.Is(errs[1], boom) {
		t.Errorf("errs[1] = %v, want boom", errs[1])
	}
	if !errors.Is(FirstError(errs), boom) {
		t.Errorf("FirstError() = %v, want boom", FirstError(errs))
	}
}

func TestParallelEach_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	ParallelEach(context.Background(), items, func(ctx context.Context, item int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		inFlight.Add(-1)
		return nil
	}, 3)

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}
