// Package errs defines the failure taxonomy shared by the send path, the
// durable queue and the push channel.
package errs

import (
	"errors"
	"fmt"
)

// TransportError means the backend could not be reached or did not answer in
// time. Always retriable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejection means the backend answered and declined the request.
type ServerRejection struct {
	Op        string
	Code      int
	Reason    string
	Retriable bool
}

func (e *ServerRejection) Error() string {
	kind := "terminal"
	if e.Retriable {
		kind = "retriable"
	}
	return fmt.Sprintf("%s: rejected (%d, %s): %s", e.Op, e.Code, kind, e.Reason)
}

// PersistenceError means a durable queue write or read failed.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: persistence: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: persistence: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProtocolError means an inbound push frame was malformed.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("protocol: frame %q: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError unless it is nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// Persistence wraps err as a PersistenceError unless it is nil.
func Persistence(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// IsRetriable reports whether an automatic retry of the failed send may succeed.
// Unknown errors are treated as retriable so nothing is silently abandoned.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var rej *ServerRejection
	if errors.As(err, &rej) {
		return rej.Retriable
	}
	return true
}

// Kind returns a short label for logs and metrics.
func Kind(err error) string {
	var (
		te *TransportError
		sr *ServerRejection
		pe *PersistenceError
		pr *ProtocolError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &sr):
		return "rejection"
	case errors.As(err, &pe):
		return "persistence"
	case errors.As(err, &pr):
		return "protocol"
	default:
		return "unknown"
	}
}
