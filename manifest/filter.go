package manifest

import (
	"slices"
)

// Filter selects which modality/data-type buckets a pipeline stage processes.
// The acquirer and the organizer are handed the same filter so they always
// agree on which buckets are in scope.
type Filter struct {
	// buckets to process exclusively; empty means all buckets
	Include []string
	// buckets to skip; wins over Include on conflict
	Exclude []string
}

// returns true if the named bucket should be processed under this filter
func (f Filter) Admits(bucket string) bool {
	if slices.Contains(f.Exclude, bucket) {
		return false
	}
	if len(f.Include) > 0 {
		return slices.Contains(f.Include, bucket)
	}
	return true
}
