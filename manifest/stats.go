package manifest

import (
	"cmp"
	"slices"

	"github.com/dustin/go-humanize"
)

// per-bucket statistics over a manifest
type ModalityStats struct {
	// the modality/data-type label
	Modality string `json:"modality"`
	// number of file references recorded for the bucket
	FileCount int `json:"file_count"`
	// sum of the recorded file sizes in bytes (zero for registries that
	// don't report sizes)
	TotalSize int64 `json:"total_size"`
}

// returns the bucket's total size as a human-readable string
func (s ModalityStats) HumanSize() string {
	return humanize.Bytes(uint64(s.TotalSize))
}

// Computes per-modality file counts and total sizes over the manifest,
// sorted descending by total size (ties broken by modality name). This is a
// read-only projection; the manifest is not modified.
func (m *Manifest) Stats() []ModalityStats {
	byModality := make(map[string]*ModalityStats)
	for _, entry := range m.Entries {
		for bucket, refs := range entry.Buckets {
			stats, found := byModality[bucket]
			if !found {
				stats = &ModalityStats{Modality: bucket}
				byModality[bucket] = stats
			}
			stats.FileCount += len(refs)
			for _, ref := range refs {
				stats.TotalSize += ref.Size()
			}
		}
	}

	results := make([]ModalityStats, 0, len(byModality))
	for _, stats := range byModality {
		results = append(results, *stats)
	}
	slices.SortFunc(results, func(a, b ModalityStats) int {
		if c := cmp.Compare(b.TotalSize, a.TotalSize); c != 0 {
			return c
		}
		return cmp.Compare(a.Modality, b.Modality)
	})
	return results
}
