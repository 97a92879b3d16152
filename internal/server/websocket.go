package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/notch-ai/autosteer/internal/term"
)

// WebSocket message types
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type WSOutputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSExitMsg struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
	Live     bool   `json:"live"`
}

type WSInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type WSControlMsg struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// wsSurface adapts a websocket connection to the term.Surface
// interface. Calls never block: frames are queued on a channel
// drained by the connection's write loop, and dropped if the client
// cannot keep up.
type wsSurface struct {
	logger    *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	fitCols   uint16
	fitRows   uint16
}

func newWSSurface(logger *slog.Logger, fitCols, fitRows uint16) *wsSurface {
	return &wsSurface{
		logger:  logger,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		fitCols: fitCols,
		fitRows: fitRows,
	}
}

func (ws *wsSurface) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case ws.send <- data:
	default:
		// slow consumer, drop the frame
		ws.logger.Debug("websocket send buffer full, dropping frame")
	}
}

func (ws *wsSurface) close() {
	ws.closeOnce.Do(func() { close(ws.done) })
}

func (ws *wsSurface) Write(data []byte) {
	ws.enqueue(WSOutputMsg{
		Type: "output",
		Data: base64.StdEncoding.EncodeToString(data),
	})
}

func (ws *wsSurface) Resize(cols, rows uint16) {
	ws.enqueue(WSResizeMsg{Type: "resize", Cols: int(cols), Rows: int(rows)})
}

// Lines returns nil: the client renders the stream and the server
// cannot enumerate its screen contents.
func (ws *wsSurface) Lines() []string { return nil }

func (ws *wsSurface) Cursor() (int, int, bool) { return 0, 0, false }

func (ws *wsSurface) Fit() (uint16, uint16, bool) {
	if ws.fitCols == 0 || ws.fitRows == 0 {
		return 0, 0, false
	}
	return ws.fitCols, ws.fitRows, true
}

func (ws *wsSurface) Focus() { ws.enqueue(WSControlMsg{Type: "control", Op: "focus"}) }
func (ws *wsSurface) Blur()  { ws.enqueue(WSControlMsg{Type: "control", Op: "blur"}) }
func (ws *wsSurface) ScrollToTop() {
	ws.enqueue(WSControlMsg{Type: "control", Op: "scrollToTop"})
}
func (ws *wsSurface) ScrollToBottom() {
	ws.enqueue(WSControlMsg{Type: "control", Op: "scrollToBottom"})
}

func (ws *wsSurface) Unbind() {
	ws.enqueue(WSControlMsg{Type: "control", Op: "unbind"})
	ws.close()
}

func (ws *wsSurface) Dispose() {
	ws.enqueue(WSControlMsg{Type: "control", Op: "dispose"})
	ws.close()
}

// handleWebSocket attaches a client to a session's terminal.
// GET /api/v1/sessions/{id}/ws?cols=<n>&rows=<n>
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := s.registry.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+sessionID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cols, rows := parseDims(r)
	surface := newWSSurface(s.logger, cols, rows)

	adapter, created, err := s.pool.CreateOrAttach(sessionID, surface)
	if err != nil {
		s.logger.Error("websocket attach failed", "session", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "attach failed")
		return
	}
	attachID := adapter.AttachID()

	s.logger.Info("websocket connected", "session", sessionID, "created", created)

	// process already gone: flush the replayed scrollback queued by
	// the attach, then report the stale exit
	select {
	case <-adapter.Done():
		s.drainSurface(ctx, conn, surface)
		code, _ := adapter.ExitCode()
		_ = writeJSON(ctx, conn, WSExitMsg{
			Type:     "exit",
			ExitCode: code,
			Live:     false,
		})
		s.detachIfCurrent(sessionID, adapter, attachID)
		return
	default:
	}

	// read from client
	go s.wsReadLoop(ctx, cancel, conn, sessionID)

	// keepalive: ping every 30s to detect dead connections on mobile
	go s.wsPingLoop(ctx, cancel, conn)

	// write to client
	s.wsWriteLoop(ctx, conn, adapter, surface)

	conn.Close(websocket.StatusNormalClosure, "")
	s.detachIfCurrent(sessionID, adapter, attachID)
	s.logger.Info("websocket disconnected", "session", sessionID)
}

// detachIfCurrent snapshots and detaches the session unless another
// surface has displaced this connection's binding in the meantime.
func (s *Server) detachIfCurrent(sessionID string, a *term.Adapter, attachID string) {
	if attachID == "" || a.AttachID() != attachID {
		return
	}
	if err := s.pool.Detach(sessionID); err != nil {
		s.logger.Debug("detach failed", "session", sessionID, "err", err)
	}
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(data, &input); err != nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(input.Data)
			if err != nil {
				continue
			}
			if err := s.pool.Write(sessionID, decoded); err != nil {
				s.logger.Debug("pty write error", "err", err)
			}

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(data, &resize); err != nil {
				continue
			}
			if resize.Cols <= 0 || resize.Rows <= 0 {
				continue
			}
			if err := s.pool.Resize(sessionID, uint16(resize.Cols), uint16(resize.Rows)); err != nil {
				s.logger.Debug("pty resize error", "err", err)
			}

		case "control":
			var ctl WSControlMsg
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			switch ctl.Op {
			case "focus":
				s.pool.Focus(sessionID)
			case "blur":
				s.pool.Blur(sessionID)
			case "scrollToTop":
				s.pool.ScrollToTop(sessionID)
			case "scrollToBottom":
				s.pool.ScrollToBottom(sessionID)
			case "fit":
				s.pool.Fit(sessionID)
			case "detach":
				return
			default:
				s.logger.Debug("unknown control op", "op", ctl.Op)
			}

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

// wsWriteLoop forwards queued surface frames to the client until the
// connection drops, the surface is displaced or the process exits.
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, adapter *term.Adapter, surface *wsSurface) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-surface.send:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-surface.done:
			s.drainSurface(ctx, conn, surface)
			return
		case <-adapter.Done():
			s.drainSurface(ctx, conn, surface)
			code, _ := adapter.ExitCode()
			_ = writeJSON(ctx, conn, WSExitMsg{
				Type:     "exit",
				ExitCode: code,
				Live:     true,
			})
			return
		}
	}
}

// drainSurface flushes frames already queued on the surface so the
// client sees everything produced before the loop's exit condition.
func (s *Server) drainSurface(ctx context.Context, conn *websocket.Conn, surface *wsSurface) {
	for {
		select {
		case data := <-surface.send:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func parseDims(r *http.Request) (uint16, uint16) {
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if cols < 0 || cols > 1000 {
		cols = 0
	}
	if rows < 0 || rows > 1000 {
		rows = 0
	}
	return uint16(cols), uint16(rows)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
