package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
)

func tempSocket(t *testing.T) string {
	t.Helper()
	// Short path: Unix socket paths are limited to ~104 bytes.
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	return filepath.Join(tmpDir, "test.sock")
}

func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	socketPath := tempSocket(t)

	server := NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	})
	return socketPath
}

func TestClientServerCommunication(t *testing.T) {
	received := make(chan Request, 1)
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		received <- *req
		return &Response{Session: &coordinator.Status{State: "active", Display: "00:19:59"}}, nil
	})

	client := NewClient(socketPath)
	resp, err := client.Do(context.Background(), &Request{
		Command:   CommandStart,
		ExpiresAt: json.RawMessage(`"2026-10-19T12:30:00Z"`),
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if resp.Status != StatusOK {
		t.Errorf("expected status %s, got %s", StatusOK, resp.Status)
	}
	if resp.Session == nil || resp.Session.Display != "00:19:59" {
		t.Errorf("unexpected session %+v", resp.Session)
	}
	got := <-received
	if got.Command != CommandStart || string(got.ExpiresAt) != `"2026-10-19T12:30:00Z"` {
		t.Errorf("server received %+v", got)
	}
}

func TestServerHandlerError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantIs   error
	}{
		{"gate denied", fmt.Errorf("renew: %w", gate.ErrDenied), CodeDenied, gate.ErrDenied},
		{"expired", coordinator.ErrExpired, CodeExpired, coordinator.ErrExpired},
		{"stopped", coordinator.ErrStopped, CodeExpired, coordinator.ErrExpired},
		{"no lease", coordinator.ErrNoLease, CodeNoLease, coordinator.ErrNoLease},
		{"other", errors.New("disk full"), CodeInternal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
				return nil, tt.err
			})

			client := NewClient(socketPath)
			resp, err := client.Send(context.Background(), &Request{Command: CommandRenew})
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			if resp.Status != StatusError || resp.Code != tt.wantCode {
				t.Errorf("got status=%s code=%s, want error/%s", resp.Status, resp.Code, tt.wantCode)
			}
			if resp.Error == "" {
				t.Error("expected error message to be set")
			}

			_, err = client.Do(context.Background(), &Request{Command: CommandRenew})
			if err == nil {
				t.Fatal("Do should return the daemon error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Errorf("expected *RemoteError, got %T", err)
			}
		})
	}
}

func TestServerRejectsUnknownCommand(t *testing.T) {
	var called atomic.Bool
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		called.Store(true)
		return &Response{}, nil
	})

	resp, err := NewClient(socketPath).Send(context.Background(), &Request{Command: "reboot"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusError || resp.Code != CodeInvalid {
		t.Errorf("got %+v, want invalid_request error", resp)
	}
	if called.Load() {
		t.Error("handler must not run for unknown commands")
	}
}

func TestServerRejectsGarbage(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{}, nil
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != CodeInvalid {
		t.Errorf("code = %q, want %q", resp.Code, CodeInvalid)
	}
}

func TestClientConnectionFailure(t *testing.T) {
	client := NewClient("/nonexistent/path/test.sock")

	_, err := client.Send(context.Background(), &Request{Command: CommandStatus})
	if err == nil {
		t.Error("expected error when connecting to non-existent socket")
	}
}

func TestServerSocketPermissions(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{}, nil
	})

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("failed to stat socket: %v", err)
	}

	mode := info.Mode()
	expectedMode := os.FileMode(0660) | os.ModeSocket

	if mode != expectedMode {
		t.Errorf("expected socket mode %v, got %v", expectedMode, mode)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	socketPath := tempSocket(t)

	handler := func(ctx context.Context, req *Request) (*Response, error) {
		time.Sleep(200 * time.Millisecond)
		return &Response{}, nil
	}

	server := NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewClient(socketPath).Send(context.Background(), &Request{Command: CommandStatus})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)

	// Stop waits for the in-flight request.
	if err := server.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after stop")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("in-flight request failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for in-flight request")
	}
}

func TestMultipleConcurrentRequests(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Session: &coordinator.Status{State: string(req.Command)}}, nil
	})

	numRequests := 10
	results := make(chan *Response, numRequests)
	errs := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		go func() {
			resp, err := NewClient(socketPath).Do(context.Background(), &Request{Command: CommandStatus})
			if err != nil {
				errs <- err
				return
			}
			results <- resp
		}()
	}

	for i := 0; i < numRequests; i++ {
		select {
		case err := <-errs:
			t.Errorf("request failed: %v", err)
		case resp := <-results:
			if resp.Session == nil || resp.Session.State != "status" {
				t.Errorf("unexpected response %+v", resp)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for responses")
		}
	}
}

func TestClientTimeout(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		time.Sleep(2 * time.Second)
		return &Response{}, nil
	})

	client := NewClient(socketPath)
	client.SetTimeout(500 * time.Millisecond)

	_, err := client.Send(context.Background(), &Request{Command: CommandStatus})
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestResponseErr(t *testing.T) {
	if err := (&Response{Status: StatusOK}).Err(); err != nil {
		t.Errorf("ok response: %v", err)
	}

	err := (&Response{Status: StatusError, Code: CodeExpired}).Err()
	if !errors.Is(err, coordinator.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
	if err.Error() != coordinator.ErrExpired.Error() {
		t.Errorf("message = %q", err.Error())
	}

	err = (&Response{Status: StatusError, Code: CodeInternal, Error: "boom"}).Err()
	if err == nil || err.Error() != "daemon: boom" {
		t.Errorf("err = %v", err)
	}
}
