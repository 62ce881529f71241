package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the IPC client used by the CLI to talk to the daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    20 * time.Second,
	}
}

// Send sends req to the daemon and waits for the response. Transport
// failures are returned as errors; daemon-side failures come back as a
// Response with StatusError, see Response.Err.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.Status != StatusOK && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid response status: %q", resp.Status)
	}

	return &resp, nil
}

// Do sends req and folds an error response into the returned error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
