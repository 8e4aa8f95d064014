package ingestion

import "siope-etl/db"

// Split divides n records into k contiguous ranges of n/k records each.
// The last range is open so that it also takes the remainder and any rows
// appended after counting. k below 1 is treated as 1.
func Split(n int64, k int) []db.Range {
	if k < 1 {
		k = 1
	}
	size := n / int64(k)

	ranges := make([]db.Range, k)
	for i := 0; i < k; i++ {
		start := int64(i) * size
		ranges[i] = db.Range{Start: start, End: start + size}
	}
	ranges[k-1].Open = true
	return ranges
}
