package registries

import (
	"slices"
)

// DICOM modality codes recognized in imaging registry responses; records
// reporting any other modality are discarded during aggregation.
var ImagingModalities = []string{
	"MG", "MR", "CT", "SEG", "RTSTRUCT", "CR", "SR", "US", "PT", "DX",
	"RTDOSE", "RTPLAN", "PR", "REG", "RWV", "NM", "KO", "FUSION", "OT",
	"XA", "SC", "RF",
}

// returns true if the given code is a recognized imaging modality
func IsImagingModality(code string) bool {
	return slices.Contains(ImagingModalities, code)
}
