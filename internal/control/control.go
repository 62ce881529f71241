// Package control implements the CLI side of the daemon's socket: it sends
// one command and turns the answer into output and an exit code.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/ipc"
	"github.com/al-bashkir/session-lease/internal/lease"
)

// Exit codes for session commands
const (
	ExitSuccess = 0 // command applied
	ExitFailure = 1 // daemon unreachable or internal error
	ExitExpired = 2 // no active session
	ExitDenied  = 4 // renewal in flight or cooling down
)

// Handler runs session commands against the daemon.
type Handler struct {
	client *ipc.Client
	out    io.Writer
	errOut io.Writer
	json   bool
}

// NewHandler creates a handler talking to the daemon on socketPath.
// Output goes to out, diagnostics to errOut.
func NewHandler(socketPath string, out, errOut io.Writer) *Handler {
	return &Handler{
		client: ipc.NewClient(socketPath),
		out:    out,
		errOut: errOut,
	}
}

// SetJSON switches output to the raw JSON session status.
func (h *Handler) SetJSON(on bool) {
	h.json = on
}

// Run sends cmd and returns the exit code. expiresAt is only used by
// CommandStart and may be empty, an ISO-8601 time or epoch milliseconds.
func (h *Handler) Run(ctx context.Context, cmd ipc.Command, expiresAt string) int {
	req := &ipc.Request{Command: cmd}

	if expiresAt != "" {
		if cmd != ipc.CommandStart {
			_, _ = fmt.Fprintf(h.errOut, "Error: --expires-at only applies to start\n")
			return ExitFailure
		}
		raw, err := expiryArg(expiresAt)
		if err != nil {
			_, _ = fmt.Fprintf(h.errOut, "Error: %v\n", err)
			return ExitFailure
		}
		req.ExpiresAt = raw
	}

	resp, err := h.client.Send(ctx, req)
	if err != nil {
		slog.Error("failed to communicate with daemon", "error", err)
		_, _ = fmt.Fprintf(h.errOut, "Error: daemon communication failed: %v\n", err)
		_, _ = fmt.Fprintf(h.errOut, "Is the daemon running? Check: systemctl status session-lease\n")
		return ExitFailure
	}

	if err := resp.Err(); err != nil {
		_, _ = fmt.Fprintf(h.errOut, "Error: %v\n", err)
		return exitCode(err)
	}

	if resp.Session == nil {
		_, _ = fmt.Fprintf(h.errOut, "Error: unexpected response from daemon\n")
		return ExitFailure
	}

	if err := h.print(resp.Session); err != nil {
		slog.Error("failed to write output", "error", err)
		return ExitFailure
	}

	// status reports an ended session through the exit code as well.
	if cmd == ipc.CommandStatus && resp.Session.State == coordinator.Expired.String() {
		return ExitExpired
	}
	return ExitSuccess
}

// expiryArg validates the --expires-at value and encodes it for the wire.
func expiryArg(v string) (json.RawMessage, error) {
	if _, err := lease.ParseTimestamp(v); err != nil {
		return nil, fmt.Errorf("invalid --expires-at: %w", err)
	}
	return json.Marshal(v)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, gate.ErrDenied):
		return ExitDenied
	case errors.Is(err, coordinator.ErrExpired), errors.Is(err, coordinator.ErrNoLease):
		return ExitExpired
	default:
		return ExitFailure
	}
}

func (h *Handler) print(st *coordinator.Status) error {
	if h.json {
		enc := json.NewEncoder(h.out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "State:        %s\n", st.State)
	fmt.Fprintf(&b, "Remaining:    %s\n", st.Display)
	if st.ExpiresAt != "" {
		fmt.Fprintf(&b, "Expires at:   %s\n", st.ExpiresAt)
	}
	if st.LastRenewalAt != "" {
		fmt.Fprintf(&b, "Last renewal: %s\n", st.LastRenewalAt)
	}
	if st.Reason != "" {
		fmt.Fprintf(&b, "Reason:       %s\n", st.Reason)
	}
	_, err := io.WriteString(h.out, b.String())
	return err
}
