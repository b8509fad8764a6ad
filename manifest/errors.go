package manifest

import (
	"fmt"
)

// This error type is returned when file acquisition is requested before a
// manifest has been generated.
type MissingError struct {
	Dir string
}

func (e MissingError) Error() string {
	return fmt.Sprintf("No manifest file found in %s. Please generate a manifest first.", e.Dir)
}
