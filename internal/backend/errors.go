package backend

import (
	"errors"
	"fmt"
)

// The three failure classes from the worker and HTTP contracts:
//
//   - TransportError: a message could not be delivered or a reply never
//     arrived. The request fails; the backend may remain usable.
//   - ProtocolError: a reply arrived but was malformed. The message is
//     discarded; repeated occurrences escalate to fatal.
//   - FatalError: the backend is unusable (crash, failed handshake,
//     wedged search). The router tears it down and fails over.

// TransportError wraps a delivery failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a malformed message.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("backend: protocol violation in %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FatalError marks a backend as unusable.
type FatalError struct {
	BackendID string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("backend %s: fatal: %v", e.BackendID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError unless it already is one.
func Fatal(backendID string, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{BackendID: backendID, Err: err}
}

// IsFatal reports whether err marks the backend as unusable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransport reports whether err is a delivery failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a malformed-message failure.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
