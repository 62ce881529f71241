package ipc

import (
	"encoding/json"
	"errors"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/lease"
)

// Command names an operation on the daemon's session.
type Command string

const (
	// CommandStatus returns the current snapshot.
	CommandStatus Command = "status"
	// CommandRenew asks for an immediate renewal through the gate.
	CommandRenew Command = "renew"
	// CommandStart begins a session from a fresh lease.
	CommandStart Command = "start"
	// CommandLogout ends the session.
	CommandLogout Command = "logout"
)

// Request is one JSON line sent from the CLI to the daemon.
type Request struct {
	Command Command `json:"command"`
	// ExpiresAt is the lease end for CommandStart, in any shape
	// lease.ParseTimestamp accepts. Empty grants a full lease.
	ExpiresAt json.RawMessage `json:"expires_at,omitempty"`
}

// Response is the daemon's JSON line reply.
type Response struct {
	Status  string              `json:"status"` // "ok" or "error"
	Session *coordinator.Status `json:"session,omitempty"`
	Code    string              `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes carried by error responses.
const (
	CodeDenied   = "gate_denied"
	CodeExpired  = "expired"
	CodeNoLease  = "no_lease"
	CodeInvalid  = "invalid_request"
	CodeInternal = "internal"
)

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, gate.ErrDenied):
		return CodeDenied
	case errors.Is(err, coordinator.ErrExpired), errors.Is(err, coordinator.ErrStopped):
		return CodeExpired
	case errors.Is(err, coordinator.ErrNoLease):
		return CodeNoLease
	case errors.Is(err, lease.ErrInvalidTimestamp):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// Err turns an error response back into an error that matches the
// daemon-side sentinel with errors.Is. It returns nil for StatusOK.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}

	var base error
	switch r.Code {
	case CodeDenied:
		base = gate.ErrDenied
	case CodeExpired:
		base = coordinator.ErrExpired
	case CodeNoLease:
		base = coordinator.ErrNoLease
	default:
		return &RemoteError{Msg: r.Error}
	}
	return &RemoteError{Msg: r.Error, base: base}
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Msg  string
	base error
}

func (e *RemoteError) Error() string {
	if e.Msg == "" && e.base != nil {
		return e.base.Error()
	}
	return "daemon: " + e.Msg
}

func (e *RemoteError) Unwrap() error {
	return e.base
}
