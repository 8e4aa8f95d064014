package ingestion

import (
	"fmt"
	"testing"
)

// TestSplitCoversEveryRecordOnce checks contiguity, no gaps and no overlap
func TestSplitCoversEveryRecordOnce(t *testing.T) {
	tests := []struct {
		n int64
		k int
	}{
		{n: 0, k: 4},
		{n: 1, k: 4},
		{n: 3, k: 4},
		{n: 4, k: 4},
		{n: 10, k: 4},
		{n: 10, k: 3},
		{n: 11, k: 1},
		{n: 1000003, k: 7},
		{n: 5, k: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/k=%d", tt.n, tt.k), func(t *testing.T) {
			ranges := Split(tt.n, tt.k)

			expectedParts := tt.k
			if expectedParts < 1 {
				expectedParts = 1
			}
			if len(ranges) != expectedParts {
				t.Fatalf("expected %d ranges, got %d", expectedParts, len(ranges))
			}

			next := int64(0)
			for i, r := range ranges {
				if r.Start != next {
					t.Fatalf("range %d starts at %d, expected %d", i, r.Start, next)
				}
				last := i == len(ranges)-1
				if r.Open != last {
					t.Fatalf("range %d open=%v, expected %v", i, r.Open, last)
				}
				if !last {
					next = r.End
				}
			}

			// The open tail takes everything left
			tail := tt.n - ranges[len(ranges)-1].Start
			covered := int64(0)
			for _, r := range ranges[:len(ranges)-1] {
				covered += r.Len()
			}
			if covered+tail != tt.n || tail < 0 {
				t.Errorf("ranges cover %d+%d records, expected %d", covered, tail, tt.n)
			}
		})
	}
}

// TestSplitEqualSizes checks the leading ranges share one size
func TestSplitEqualSizes(t *testing.T) {
	ranges := Split(10, 4)
	for i, r := range ranges[:3] {
		if r.Len() != 2 {
			t.Errorf("range %d: expected 2 records, got %d", i, r.Len())
		}
	}
	if ranges[3].Start != 6 {
		t.Errorf("expected tail to start at 6, got %d", ranges[3].Start)
	}
}
