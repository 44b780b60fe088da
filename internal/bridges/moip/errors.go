package moip

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is() to check for these in calling code.
var (
	// ErrNotConnected is returned when a transport has no live session.
	ErrNotConnected = errors.New("moip: not connected")

	// ErrTimeout is returned when a request deadline expires before the reply.
	ErrTimeout = errors.New("moip: request timed out")

	// ErrStale is returned alongside the last known snapshot while the
	// controller is unreachable or before the first resynchronisation.
	ErrStale = errors.New("moip: state is stale")

	// ErrNotFound is returned when no REST resource corresponds to an index.
	ErrNotFound = errors.New("moip: not found")

	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("moip: invalid argument")

	// ErrClosed is returned after Close/Stop.
	ErrClosed = errors.New("moip: closed")

	// ErrNotConfigured is returned when no controller host is set.
	ErrNotConfigured = errors.New("moip: controller host not configured")

	// Failure classes. Each typed error below matches one of these.
	ErrNetwork             = errors.New("moip: network error")
	ErrAuth                = errors.New("moip: authentication failed")
	ErrCommandRejected     = errors.New("moip: command rejected")
	ErrCorrelationConflict = errors.New("moip: identifier correlation conflict")
	ErrProtocolViolation   = errors.New("moip: protocol violation")
)

// NetworkError wraps a connection refused/reset/timeout. The supervisor
// retries these; callers see the controller as unavailable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("moip: network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is reports ErrNetwork equivalence.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// AuthError reports rejected credentials on either plane. Not retried
// until the configuration changes or the slow retry lane fires.
type AuthError struct {
	Transport string
	Reason    string
	Err       error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("moip: %s authentication failed: %s", e.Transport, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// CommandRejected carries the controller's refusal verbatim: the text of a
// #Error line, or the status and body of a non-2xx REST response.
type CommandRejected struct {
	Command string
	Text    string
	Status  int
}

func (e *CommandRejected) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("moip: %s rejected with HTTP %d: %s", e.Command, e.Status, e.Text)
	}
	return fmt.Sprintf("moip: %s rejected: %s", e.Command, e.Text)
}

func (e *CommandRejected) Is(target error) bool { return target == ErrCommandRejected }

// CorrelationConflict is returned when more than one REST group claims the
// same line-protocol index.
type CorrelationConflict struct {
	Kind     Kind
	Index    int
	GroupIDs []int
}

func (e *CorrelationConflict) Error() string {
	ids := make([]string, len(e.GroupIDs))
	for i, id := range e.GroupIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("moip: %s %d claimed by groups %s", e.Kind, e.Index, strings.Join(ids, ","))
}

func (e *CorrelationConflict) Is(target error) bool { return target == ErrCorrelationConflict }

// ProtocolViolation describes a malformed frame. Readers log and discard
// these; they are never fatal to a session.
type ProtocolViolation struct {
	Line   string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("moip: protocol violation (%s): %q", e.Reason, e.Line)
}

func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }
