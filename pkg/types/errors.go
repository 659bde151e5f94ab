package types

import (
	"errors"
	"fmt"
)

// Error classes surfaced at the filesystem boundary. Use errors.Is to test.
var (
	// ErrUnreachable means the server could not be reached (timeout or transport failure).
	ErrUnreachable = errors.New("lost connection to server")
	// ErrUnauthenticated means no token could be obtained.
	ErrUnauthenticated = errors.New("authentication failed")
	// ErrValidation means the server rejected the submitted content.
	ErrValidation = errors.New("validation failed")
	// ErrPermission is a local policy violation detected before any remote call.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound means the resource is absent from the cache and a fresh listing.
	ErrNotFound = errors.New("not found")
	// ErrExists means the target name is already taken.
	ErrExists = errors.New("already exists")
	// ErrCloneExists is returned when a save-as would overwrite a sibling.
	ErrCloneExists = errors.New("cloning to an existing name is not allowed")
	// ErrStuckInDraft means a multi-step update stopped after the DRAFT transition.
	ErrStuckInDraft = errors.New("resource left in draft state")
)

// PermissionError describes a rejected path or mutation.
type PermissionError struct {
	Path   string
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("permission denied: %s", e.Reason)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Path, e.Reason)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// NewPermissionError builds a PermissionError with a formatted reason.
func NewPermissionError(path, format string, args ...any) *PermissionError {
	return &PermissionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError carries the server-provided validation detail.
type ValidationError struct {
	Kind    ResourceKind
	Name    string
	Details []string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Name != "" {
		msg = fmt.Sprintf("validation failed for %s %q", e.Kind, e.Name)
	}
	if len(e.Details) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Details)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RemoteError is a non-ok HTTP answer for a specific operation.
type RemoteError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Body)
}

// Is maps 401 to ErrUnauthenticated and 404 to ErrNotFound. A 403 means the
// credentials were accepted but lack a right, so it matches neither.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Status == 401
	case ErrNotFound:
		return e.Status == 404
	}
	return false
}

// StuckInDraftError is returned when the resource was moved to DRAFT but a later
// step failed. Completed names the last step that succeeded.
type StuckInDraftError struct {
	ID        string
	Name      string
	Completed string
	Err       error
}

func (e *StuckInDraftError) Error() string {
	return fmt.Sprintf("%q left in draft state after %s: %v", e.Name, e.Completed, e.Err)
}

func (e *StuckInDraftError) Unwrap() []error { return []error{ErrStuckInDraft, e.Err} }

// CloneError is returned when a save-as targets an existing resource.
type CloneError struct {
	From string
	To   string
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning %q to %q: %v", e.From, e.To, ErrCloneExists)
}

func (e *CloneError) Unwrap() error { return ErrCloneExists }
