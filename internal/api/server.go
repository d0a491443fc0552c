// Package api serves the gateway's HTTP surface: status and log
// introspection, run commands, recorded runs and health probes. WebSocket
// upgrades on any path are handed to the gateway.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/botgate/internal/config"
	"github.com/amurg-ai/botgate/internal/gateway"
	"github.com/amurg-ai/botgate/internal/relay"
	"github.com/amurg-ai/botgate/internal/store"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	maxBodyBytes     = 1 << 20
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// Server is the HTTP API server.
type Server struct {
	gw        *gateway.Gateway
	store     store.Store
	logger    *slog.Logger
	mux       *chi.Mux
	port      int
	startTime time.Time
	limiter   *ipLimiter
}

// NewServer creates the API server. st may be nil when nothing is recorded.
func NewServer(gw *gateway.Gateway, st store.Store, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		gw:        gw,
		store:     st,
		logger:    logger.With("component", "api"),
		port:      cfg.Server.Port,
		startTime: time.Now(),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		srv.limiter = newIPLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(upgradeAnyPath(gw.HandleWS))
	mux.Use(securityHeadersMiddleware)
	mux.Use(corsMiddleware)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/", srv.handleStatus)
	mux.Get("/status", srv.handleStatus)
	mux.Get("/log", srv.handleLog)

	mux.Group(func(r chi.Router) {
		if srv.limiter != nil {
			r.Use(limitByIP(srv.limiter))
		}
		r.Post("/start", srv.handleStart)
		r.Post("/stop", srv.handleStop)
	})

	mux.Get("/runs", srv.handleListRuns)
	mux.Get("/runs/{runID}", srv.handleGetRun)
	mux.Get("/runs/{runID}/events", srv.handleListEvents)

	mux.NotFound(srv.handleHelp)
	mux.MethodNotAllowed(srv.handleHelp)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks forgets idle rate limit clients until ctx is done.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	s.limiter.runSweeper(ctx, 5*time.Minute, 10*time.Minute)
}

// botParam returns the ?bot= identity, or the default identity.
func botParam(r *http.Request) string {
	if bot := r.URL.Query().Get("bot"); bot != "" {
		return bot
	}
	return relay.DefaultIdentity
}

// --- Status handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	bot := r.URL.Query().Get("bot")
	if bot == "" || bot == "all" {
		writeJSON(w, http.StatusOK, s.gw.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, s.gw.OperatorStatus(bot))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	entries := s.gw.OperatorLog(botParam(r))
	if entries == nil {
		entries = []protocol.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Command handlers ---

type commandResponse struct {
	OK  bool   `json:"ok"`
	Bot string `json:"bot"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	bot := botParam(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	var req struct {
		Goal string `json:"goal"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "No goal provided")
		return
	}

	s.gw.StartRun(bot, req.Goal)
	s.logger.Info("run started over http", "identity", bot)
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Bot: bot})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	bot := botParam(r)
	s.gw.StopRun(bot)
	s.logger.Info("run stopped over http", "identity", bot)
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Bot: bot})
}

// --- Recorded runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := queryInt(r, "limit", defaultRunsLimit, maxRunsLimit)

	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("bot"), limit)
	if err != nil {
		s.logger.Warn("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.logger.Warn("get run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	limit := queryInt(r, "limit", 100, maxRunsLimit)
	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}

	events, err := s.store.ListEvents(r.Context(), runID, afterSeq, limit)
	if err != nil {
		s.logger.Warn("list events failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run recording is disabled")
		return false
	}
	return true
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Help ---

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	snap := s.gw.Snapshot()
	agent := "Disconnected"
	if snap.AgentServiceConnected {
		agent = "Connected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Gateway Service (port %d)\n\n", s.port)
	b.WriteString("Endpoints:\n")
	b.WriteString("- GET /status              Full status (bots, SDKs, UIs)\n")
	b.WriteString("- GET /status?bot=<name>   Bot-specific status\n")
	b.WriteString("- GET /log?bot=<name>      Action log\n")
	b.WriteString("- POST /start?bot=<name>   Start agent {goal}\n")
	b.WriteString("- POST /stop?bot=<name>    Stop agent\n")
	b.WriteString("- GET /runs?bot=<name>     Recorded runs\n")
	b.WriteString("- GET /runs/<id>/events    Recorded run log\n\n")
	b.WriteString("WebSocket:\n")
	fmt.Fprintf(&b, "- ws://localhost:%d                 Bot/SDK connections\n", s.port)
	fmt.Fprintf(&b, "- ws://localhost:%d?bot=<name>      UI connections\n\n", s.port)
	fmt.Fprintf(&b, "Agent Service: %s\n", agent)
	fmt.Fprintf(&b, "Bots: %d | SDKs: %d | UIs: %d\n", snap.ConnectedBots, snap.ConnectedSDKs, snap.ConnectedUIs)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

// --- Helpers ---

func queryInt(r *http.Request, key string, def, ceiling int) int {
	n := def
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return min(n, ceiling)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
