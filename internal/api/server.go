// Package api serves the admin surface: health, status, the pending queue
// (list/ack for downstream consumers), Prometheus metrics, and token-gated
// pprof.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slackwatch/internal/poller"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

// Status is the façade's externally visible state.
type Status struct {
	State        string        `json:"state"`
	Running      bool          `json:"running"`
	PendingCount int           `json:"pending_count"`
	Stats        poller.Stats  `json:"stats"`
	Config       ConfigSummary `json:"config"`
}

// ConfigSummary is the non-secret subset of the config echoed in status.
type ConfigSummary struct {
	Channels        []string `json:"channels"`
	Keywords        []string `json:"keywords,omitempty"`
	WatchedUsers    []string `json:"watched_users,omitempty"`
	SelfUserID      string   `json:"self_user_id,omitempty"`
	LoopbackChannel string   `json:"loopback_channel,omitempty"`
	PollIntervalMin string   `json:"poll_interval_min"`
	PollIntervalMax string   `json:"poll_interval_max"`
	FetchBatchSize  int      `json:"fetch_batch_size"`
}

// Backend is what the server needs from the lifecycle façade.
type Backend interface {
	Status(ctx context.Context) (Status, error)
	ListPending(ctx context.Context, limit int, channelFilter string) ([]store.PendingMessage, error)
	MarkProcessed(ctx context.Context, id string) error
}

type Config struct {
	Addr          string
	PprofToken    string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

type Server struct {
	cfg     Config
	backend Backend
	metrics http.Handler // optional
	log     logx.Logger

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, backend Backend, metricsHandler http.Handler, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8710"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, backend: backend, metrics: metricsHandler, log: log}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/status", s.handleStatus)
	r.Get("/api/pending", s.handleListPending)
	r.Post("/api/pending/{id}/ack", s.handleAck)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// pprof needs a token unless explicitly allowed without one.
	if strings.TrimSpace(s.cfg.PprofToken) != "" || s.cfg.AllowInsecure {
		r.Route("/debug/pprof", func(pr chi.Router) {
			pr.Use(s.tokenAuth)
			pr.Get("/", pprof.Index)
			pr.Get("/cmdline", pprof.Cmdline)
			pr.Get("/profile", pprof.Profile)
			pr.Get("/symbol", pprof.Symbol)
			pr.Get("/trace", pprof.Trace)
			pr.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}

	return r
}

func (s *Server) tokenAuth(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.PprofToken)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if token == "" {
			// allow_insecure without a token
			next.ServeHTTP(w, req)
			return
		}
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	st, err := s.backend.Status(req.Context())
	if err != nil {
		s.log.Warn("status read failed", logx.Err(err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListPending(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	channel := req.URL.Query().Get("channel")

	msgs, err := s.backend.ListPending(req.Context(), limit, channel)
	if err != nil {
		s.log.Warn("pending list failed", logx.Err(err))
		http.Error(w, "pending list unavailable", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.PendingMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (s *Server) handleAck(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if err := s.backend.MarkProcessed(req.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown pending message", http.StatusNotFound)
			return
		}
		s.log.Warn("ack failed", logx.String("id", id), logx.Err(err))
		http.Error(w, "ack failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"acked": id})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start binds the listener synchronously (so addr conflicts surface to the
// caller) and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", logx.Err(err))
		}
	}()
	s.log.Info("admin server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.ln = nil
	return err
}

// Addr reports the bound address (useful when Addr had port 0).
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
