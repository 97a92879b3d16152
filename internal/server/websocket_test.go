package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/notch-ai/autosteer/internal/session"
	"github.com/notch-ai/autosteer/internal/term"
)

func dialWS(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn, ctx, cancel
}

func sendInput(t *testing.T, ctx context.Context, conn *websocket.Conn, data string) {
	t.Helper()
	msg, err := json.Marshal(WSInputMsg{
		Type: "input",
		Data: base64.StdEncoding.EncodeToString([]byte(data)),
	})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("send input: %v", err)
	}
}

// awaitOutput reads frames until an output frame containing substr
// arrives.
func awaitOutput(t *testing.T, ctx context.Context, conn *websocket.Conn, substr string) {
	t.Helper()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", substr, err)
		}
		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if msg.Type != "output" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			continue
		}
		if strings.Contains(string(decoded), substr) {
			return
		}
	}
}

func waitAttached(t *testing.T, srv *Server, id string) *term.Adapter {
	t.Helper()
	waitFor(t, func() bool {
		a, ok := srv.pool.Get(id)
		return ok && a.State() == term.Attached
	})
	a, _ := srv.pool.Get(id)
	return a
}

func TestWebSocket_AttachEchoesInput(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "ws")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, ctx, cancel := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws?cols=100&rows=30")
	defer cancel()
	defer conn.CloseNow()

	a := waitAttached(t, srv, id)
	if cols, rows := a.Dims(); cols != 100 || rows != 30 {
		t.Errorf("dims = %dx%d, want 100x30 from the client's fit", cols, rows)
	}

	sendInput(t, ctx, conn, "ping")
	awaitOutput(t, ctx, conn, "ping")
}

func TestWebSocket_ReportsLiveExit(t *testing.T) {
	srv, host := newTestServer(t)
	id := createSession(t, srv, "exiting")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, ctx, cancel := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws")
	defer cancel()
	defer conn.CloseNow()

	waitAttached(t, srv, id)
	host.last().exitWith(0)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg WSExitMsg
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "exit" {
			continue
		}
		if msg.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", msg.ExitCode)
		}
		if !msg.Live {
			t.Error("Live = false, want true for an exit observed while connected")
		}
		break
	}

	waitFor(t, func() bool {
		rec, ok := srv.registry.Get(id)
		return ok && rec.Status == session.StatusStopped
	})
}

func TestWebSocket_SecondClientDisplacesFirst(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "shared")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn1, ctx1, cancel1 := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws")
	defer cancel1()
	defer conn1.CloseNow()

	a := waitAttached(t, srv, id)
	firstAttach := a.AttachID()

	conn2, ctx2, cancel2 := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws")
	defer cancel2()
	defer conn2.CloseNow()

	waitFor(t, func() bool {
		cur := a.AttachID()
		return cur != "" && cur != firstAttach
	})

	// the displaced client sees the unbind control frame before its
	// connection closes
	sawUnbind := false
	for {
		_, frame, err := conn1.Read(ctx1)
		if err != nil {
			break
		}
		var ctl WSControlMsg
		if json.Unmarshal(frame, &ctl) == nil && ctl.Type == "control" && ctl.Op == "unbind" {
			sawUnbind = true
			break
		}
	}
	if !sawUnbind {
		t.Error("first client never saw the unbind control frame")
	}

	if a.State() != term.Attached {
		t.Errorf("state = %v, want Attached for the new binding", a.State())
	}

	// the new binding carries input and output
	sendInput(t, ctx2, conn2, "takeover")
	awaitOutput(t, ctx2, conn2, "takeover")
}

func TestWebSocket_ReattachReplaysScrollback(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "replay")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn1, ctx1, cancel1 := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws")
	defer cancel1()
	waitAttached(t, srv, id)
	sendInput(t, ctx1, conn1, "remember\n")
	awaitOutput(t, ctx1, conn1, "remember")

	// drop the first client and wait for the detach snapshot
	conn1.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool {
		a, ok := srv.pool.Get(id)
		return ok && a.State() == term.Detached
	})

	// a fresh client receives the retained output as a replay
	conn2, ctx2, cancel2 := dialWS(t, ts, "/api/v1/sessions/"+id+"/ws")
	defer cancel2()
	defer conn2.CloseNow()

	awaitOutput(t, ctx2, conn2, "remember")
}
