package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind classifies the errors surfaced by the node.
type ErrKind uint32

const (
	// Internal ...
	Internal ErrKind = iota
	// BadRequest is a malformed or unacceptable input.
	BadRequest
	// NotFound ...
	NotFound
	// Conflict is resolved by last-write-wins and never reaches the caller.
	Conflict
	// StorageFull means the free-space reserve of the data directory is
	// exhausted.
	StorageFull
	// Protocol is a malformed or truncated packet stream.
	Protocol
)

// String ...
func (k ErrKind) String() string {
	switch k {
	case BadRequest:
		return "Bad Request"
	case NotFound:
		return "Not Found"
	case Conflict:
		return "Conflict"
	case StorageFull:
		return "Storage Full"
	case Protocol:
		return "Protocol Error"
	default:
		return "Internal Error"
	}
}

// SyncErr is an error tagged with the operation that failed and its kind.
type SyncErr struct {
	op   string
	kind ErrKind
	err  error
}

// NewSyncErr ...
func NewSyncErr(op string, kind ErrKind, err error) *SyncErr {
	return &SyncErr{
		op:   op,
		kind: kind,
		err:  err,
	}
}

// Errorf builds a SyncErr with a formatted cause.
func Errorf(op string, kind ErrKind, format string, args ...interface{}) *SyncErr {
	return NewSyncErr(op, kind, fmt.Errorf(format, args...))
}

// Error ...
func (e *SyncErr) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, e.kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.err)
}

// Unwrap ...
func (e *SyncErr) Unwrap() error {
	return e.err
}

// Kind ...
func (e *SyncErr) Kind() ErrKind {
	return e.kind
}

// IsKind checks that err, or any error it wraps, is a SyncErr of the given
// kind.
func IsKind(err error, k ErrKind) bool {
	var se *SyncErr
	if !errors.As(err, &se) {
		return false
	}
	if se.kind == k {
		return true
	}
	return se.err != nil && IsKind(se.err, k)
}

// KindOf returns the kind of the outermost SyncErr in err's chain, or
// Internal.
func KindOf(err error) ErrKind {
	var se *SyncErr
	if errors.As(err, &se) {
		return se.kind
	}
	return Internal
}

// HTTPStatus maps an error to the status code reported to peers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case BadRequest, Protocol:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StorageFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
