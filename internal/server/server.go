package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/notch-ai/autosteer/internal/buffer"
	"github.com/notch-ai/autosteer/internal/files"
	gitpkg "github.com/notch-ai/autosteer/internal/git"
	"github.com/notch-ai/autosteer/internal/monitoring"
	"github.com/notch-ai/autosteer/internal/notify"
	"github.com/notch-ai/autosteer/internal/session"
	"github.com/notch-ai/autosteer/internal/term"
)

type Server struct {
	registry *session.Registry
	buffers  *buffer.Store
	pool     *term.Pool
	git      *gitpkg.Inspector
	files    *files.Browser
	notify   *notify.Manager
	monitor  *monitoring.Monitor
	logger   *slog.Logger
	httpSrv  *http.Server
	devMode  bool
	version  string
}

// Config carries the services constructed at the composition root.
// The server never builds its own.
type Config struct {
	Addr     string
	DevMode  bool
	Logger   *slog.Logger
	StaticFS fs.FS // embedded web/dist files for production
	Version  string

	Registry *session.Registry
	Buffers  *buffer.Store
	Pool     *term.Pool
	Git      *gitpkg.Inspector
	Files    *files.Browser
	Notify   *notify.Manager
	Monitor  *monitoring.Monitor
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry: cfg.Registry,
		buffers:  cfg.Buffers,
		pool:     cfg.Pool,
		git:      cfg.Git,
		files:    cfg.Files,
		notify:   cfg.Notify,
		monitor:  cfg.Monitor,
		logger:   logger,
		devMode:  cfg.DevMode,
		version:  cfg.Version,
	}

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/memory", s.handleMemory)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/v1/sessions", s.handleClearSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/detach", s.handleDetachSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resize", s.handleResizeSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/buffer", s.handleGetBuffer)
	mux.HandleFunc("POST /api/v1/sessions/{id}/save", s.handleSaveBuffer)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.handleWebSocket)

	// Directory suggestions
	mux.HandleFunc("GET /api/v1/dirs", s.handleDirSuggest)

	// Git, scoped to a session's working directory
	mux.HandleFunc("GET /api/v1/sessions/{id}/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/v1/sessions/{id}/git/log", s.handleGitLog)
	mux.HandleFunc("GET /api/v1/sessions/{id}/git/diff", s.handleGitDiff)

	// Working-tree files, same scoping
	mux.HandleFunc("GET /api/v1/sessions/{id}/files", s.handleFilesList)
	mux.HandleFunc("GET /api/v1/sessions/{id}/files/view", s.handleFilesView)
	mux.HandleFunc("GET /api/v1/sessions/{id}/files/raw", s.handleFilesRaw)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/notify/key", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/notify/subscriptions", s.handlePushSubscribe)
	mux.HandleFunc("DELETE /api/v1/notify/subscriptions", s.handlePushUnsubscribe)

	// Static files / dev proxy
	if cfg.DevMode {
		// proxy to Vite dev server
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxy)
	} else if cfg.StaticFS != nil {
		// serve embedded static files with SPA fallback
		fileServer := http.FileServer(http.FS(cfg.StaticFS))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/" {
				path = "index.html"
			} else {
				path = strings.TrimPrefix(path, "/")
			}

			if _, err := fs.Stat(cfg.StaticFS, path); err == nil {
				// hashed assets cache forever, everything else revalidates
				if strings.HasPrefix(r.URL.Path, "/assets/") {
					w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					w.Header().Set("Cache-Control", "no-cache")
				}
				fileServer.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
		})
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	s.pool.StopAll()
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

type sessionView struct {
	session.Session
	AttachState string `json:"attachState"`
}

func (s *Server) view(rec session.Session) sessionView {
	state := "none"
	if a, ok := s.pool.Get(rec.ID); ok {
		state = a.State().String()
	}
	return sessionView{Session: rec, AttachState: state}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"homeDir":  homeDir,
		"limits": map[string]any{
			"maxSessions":    session.MaxSessions,
			"maxBufferLines": buffer.MaxLines,
			"maxBufferBytes": buffer.MaxBytes,
		},
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	rep := s.monitor.Check()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"usage":    rep.Usage,
		"limit":    rep.Limit,
		"pressure": rep.Pressure,
		"over":     rep.Over,
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.registry.All()
	views := make([]sessionView, len(list))
	for i, rec := range list {
		views[i] = s.view(rec)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	rec, err := s.registry.Create(req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// spawn the process now; the surface binds over the websocket
	if _, _, err := s.pool.CreateOrAttach(rec.ID, nil); err != nil {
		_ = s.registry.Destroy(rec.ID)
		s.writeServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, s.view(rec))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.view(rec))
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req session.Patch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	rec, err := s.registry.Update(id, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.view(rec))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.Destroy(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearAll()
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDetachSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.Detach(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResizeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "cols and rows must be positive")
		return
	}

	if err := s.pool.Resize(id, req.Cols, req.Rows); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Live sessions answer from the terminal itself; the stored
	// snapshot covers records whose terminal is gone.
	if st, err := s.pool.Capture(id); err == nil {
		writeJSONResponse(w, http.StatusOK, st)
		return
	}
	st, err := s.registry.RestoreState(id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, st)
}

func (s *Server) handleSaveBuffer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.pool.Capture(id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.registry.SaveState(id, st); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"ok":        true,
		"sizeBytes": st.SizeBytes,
		"lines":     len(st.Scrollback),
	})
}

// --- Directory Suggestion Handler ---

func (s *Server) handleDirSuggest(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	// expand ~ to home directory
	if strings.HasPrefix(prefix, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			prefix = home + prefix[1:]
		}
	}

	dir := filepath.Dir(prefix)
	partial := filepath.Base(prefix)
	if strings.HasSuffix(prefix, "/") {
		dir = prefix
		partial = ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if partial != "" && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(partial)) {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, name))
		if len(dirs) >= 10 {
			break
		}
	}

	if dirs == nil {
		dirs = []string{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": dirs})
}

// --- Git Handlers ---

// sessionWorkDir resolves the working directory a session was launched
// in. Falls back to the process cwd when the record carries none.
func (s *Server) sessionWorkDir(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	rec, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return "", false
	}
	workDir := rec.WorkingDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return workDir, true
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	result, err := s.git.Status(workDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	commits, err := s.git.Log(workDir, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	ref := r.URL.Query().Get("ref")
	diff, err := s.git.Diff(workDir, ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"diff": diff})
}

// --- Working-Tree File Handlers ---

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	hidden := r.URL.Query().Get("hidden") == "1"
	listing, err := s.files.List(workDir, rel, hidden)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, listing)
}

func (s *Server) handleFilesView(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	view, err := s.files.View(workDir, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if view.Type == "image" {
		view.URL = "/api/v1/sessions/" + r.PathValue("id") + "/files/raw?path=" + url.QueryEscape(rel)
	}
	writeJSONResponse(w, http.StatusOK, view)
}

func (s *Server) handleFilesRaw(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.sessionWorkDir(w, r)
	if !ok {
		return
	}
	s.files.ServeRaw(w, r, workDir, r.URL.Query().Get("path"))
}

// --- Web Push Handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

// writeServiceError maps the service error categories onto HTTP
// statuses: capacity 409, unknown id 404, disposed adapter 410 and
// anything else 502.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrCapacity):
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, term.ErrDisposed):
		writeError(w, http.StatusGone, "disposed", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "io_error", err.Error())
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
