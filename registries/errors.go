package registries

import (
	"fmt"
)

// This error type is returned when a registry is sought but not found.
type NotFoundError struct {
	Registry string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("The registry '%s' was not found", e.Registry)
}

// indicates that a registry call exhausted its retries; scoped to a single
// case or patient so batch aggregation can continue without it
type UnavailableError struct {
	Registry, CaseID string
	Err              error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("Registry '%s' unavailable for case %s: %s",
		e.Registry, e.CaseID, e.Err.Error())
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}

// indicates that a paginated registry call could not be completed within the
// page size ceiling
type IncompletePageError struct {
	Registry   string
	Returned   int
	TotalFound int
}

func (e IncompletePageError) Error() string {
	return fmt.Sprintf("Registry '%s' returned %d of %d records and the page size ceiling was reached",
		e.Registry, e.Returned, e.TotalFound)
}

// indicates an unexpected HTTP status from a registry call
type BadStatusError struct {
	Registry string
	Status   int
}

func (e BadStatusError) Error() string {
	return fmt.Sprintf("Registry '%s' responded with HTTP status %d", e.Registry, e.Status)
}

// This error type is returned when an HTTP request is redirected from HTTPS
// to HTTP.
type DowngradedRedirectError struct {
	Endpoint string
}

func (e DowngradedRedirectError) Error() string {
	return fmt.Sprintf("HTTPS request redirected to HTTP endpoint %s", e.Endpoint)
}
