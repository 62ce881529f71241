// Package renewal performs the lease renewal exchange with the external
// session service. Renewers never touch the expiry store; the coordinator
// persists the lease they return.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single renewal exchange.
const DefaultTimeout = 15 * time.Second

var (
	// ErrNetwork means the renewal request did not complete (transport
	// failure, timeout, cancellation).
	ErrNetwork = errors.New("renewal network error")

	// ErrRejected means the session service answered but declined to extend
	// the session.
	ErrRejected = errors.New("renewal rejected")

	// ErrMalformedResponse means the service accepted the renewal but its
	// answer could not be interpreted. It wraps ErrRejected.
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrRejected)
)

// Lease is a freshly extended session lease.
type Lease struct {
	ExpiresAt time.Time
	AttemptID string
}

// Renewer extends the session with the external service.
type Renewer interface {
	Renew(ctx context.Context) (Lease, error)
}

// Result labels used for metrics and logs.
const (
	ResultSuccess   = "success"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
	ResultNetwork   = "network"
)

// Classify maps a Renew error to its result label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrMalformedResponse):
		return ResultMalformed
	case errors.Is(err, ErrRejected):
		return ResultRejected
	default:
		return ResultNetwork
	}
}
