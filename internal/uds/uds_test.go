package uds

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/conveyor/internal/logging"
)

// shortSockPath keeps socket paths under the 104-byte limit on macOS.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cv-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t, "w.sock")
	server := NewServer(sockPath, logging.Discard())
	server.Handle(CommandPing, func(req *Request) *Response {
		return SuccessResponse(map[string]string{"identity": "conveyor@host"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_LargePayload(t *testing.T) {
	sockPath := shortSockPath(t, "l.sock")
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	content := strings.Repeat("x", 1024*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		var params map[string]string
		_ = json.Unmarshal(req.Params, &params)
		_ = WriteFrame(conn, SuccessResponse(map[string]int{"length": len(params["content"])}))
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := NewRequest("large", map[string]string{"content": content})
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	var out map[string]int
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["length"] != len(content) {
		t.Errorf("length = %d, want %d", out["length"], len(content))
	}
	<-done
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CommandPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected %s, got %+v", ErrCodeProtocolMismatch, resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t)

	err := client.Call("restart", nil, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected *ErrorDetail, got %v", err)
	}
	if detail.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %q, want %q", detail.Code, ErrCodeUnknownCommand)
	}
}

func TestClient_Call(t *testing.T) {
	server, client, _ := startServer(t)
	server.Handle(CommandStats, func(req *Request) *Response {
		var params map[string]bool
		_ = json.Unmarshal(req.Params, &params)
		return SuccessResponse(map[string]any{"verbose": params["verbose"], "in_flight": 2})
	})

	var ping map[string]string
	if err := client.Call(CommandPing, nil, &ping); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ping["identity"] != "conveyor@host" {
		t.Errorf("identity = %q", ping["identity"])
	}

	var stats struct {
		Verbose  bool `json:"verbose"`
		InFlight int  `json:"in_flight"`
	}
	if err := client.Call(CommandStats, map[string]bool{"verbose": true}, &stats); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.Verbose || stats.InFlight != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestServer_MultipleClients(t *testing.T) {
	_, _, sockPath := startServer(t)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CommandPing, nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestClient_WorkerNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CommandPing, nil)
	if err == nil {
		t.Fatal("expected error when no worker is running")
	}
	if !strings.Contains(err.Error(), "conveyor worker") {
		t.Errorf("expected start hint, got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath, nil)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle(CommandPing, func(req *Request) *Response { return SuccessResponse(nil) })
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()
	client := NewClient(sockPath)

	// Idle connections are closed by the server.
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(500 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected read error on timed-out connection")
	}

	if err := client.Call(CommandPing, nil, nil); err != nil {
		t.Fatalf("ping after timeout: %v", err)
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	_, _, sockPath := startServer(t)

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}
}

func TestServer_StopCleansUpSocket(t *testing.T) {
	server, _, sockPath := startServer(t)

	server.Stop()
	server.Stop()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	sockPath := shortSockPath(t, "s.sock")
	if err := os.WriteFile(sockPath, nil, 0600); err != nil {
		t.Fatal(err)
	}
	server := NewServer(sockPath, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("start over stale file: %v", err)
	}
	server.Stop()
}

func TestResponse_Decode(t *testing.T) {
	if err := SuccessResponse(nil).Decode(nil); err != nil {
		t.Errorf("nil data: %v", err)
	}
	if SuccessResponse(nil).Data != nil {
		t.Error("expected nil data")
	}

	err := ErrorResponse(ErrCodeShuttingDown, "draining").Decode(nil)
	if err == nil || err.Error() != "SHUTTING_DOWN: draining" {
		t.Errorf("unexpected error %v", err)
	}

	if err := (&Response{}).Decode(nil); err == nil {
		t.Error("failure without detail should still error")
	}
}
