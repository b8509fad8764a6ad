package gdc

import (
	"fmt"
)

// indicates that a download response lacked the Content-Disposition header
// needed to name the payload on disk
type MissingFilenameError struct {
	Registry string
}

func (e MissingFilenameError) Error() string {
	return fmt.Sprintf("Registry '%s' download response carried no Content-Disposition filename", e.Registry)
}

// indicates that a table dump kind is not one the registry's portal serves
type UnknownDumpError struct {
	Kind string
}

func (e UnknownDumpError) Error() string {
	return fmt.Sprintf("'%s' is not a table dump served by the registry portal", e.Kind)
}
