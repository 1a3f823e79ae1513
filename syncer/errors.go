package syncer

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a linkage (or other looked-up entity) is absent.
var ErrNotFound = errors.New("not found")

// ErrDuplicateLinkage matches any *DuplicateLinkageError via errors.Is.
var ErrDuplicateLinkage = errors.New("duplicate linkage")

type DuplicateLinkageError struct {
	CaseID   string
	TicketID string
}

func (e *DuplicateLinkageError) Error() string {
	return fmt.Sprintf("duplicate linkage: case %q or ticket %q already linked", e.CaseID, e.TicketID)
}

func (e *DuplicateLinkageError) Is(target error) bool {
	return target == ErrDuplicateLinkage
}

// ConfigurationError reports missing or invalid settings. Fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ConnectivityError reports a failed preflight check against a remote system.
type ConnectivityError struct {
	System string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity check to %s failed: %v", e.System, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
