package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/version"
)

const maxRequestBody = 32 << 20

type Server struct {
	store      *config.ServerConfigStore
	svc        *Service
	logs       *logutil.Hub
	handler    http.Handler
	httpServer *http.Server

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

// NewServer wires the HTTP surface. logs may be nil, which disables the log
// tail endpoint.
func NewServer(store *config.ServerConfigStore, svc *Service, logs *logutil.Hub) *Server {
	s := &Server{store: store, svc: svc, logs: logs}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Current())
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.authAPIMiddleware)
		admin.Get("/providers", s.handleProviders)
		admin.Get("/stats", s.handleStats)
		admin.Post("/providers/{name}/refresh", s.handleProviderRefresh)
		admin.Get("/logs/ws", s.handleLogsWebsocket)
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              store.Snapshot().ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go s.svc.Health().Run(ctx)

	go func() {
		log.Info("proxy listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	s.draining.Store(true)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	s.waitForProxyIdle(drainCtx)
	cancelDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on active proxy requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openai.ModelList{Object: "list", Data: s.svc.Models()})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", ErrInvalidRequest, err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	res, err := s.svc.ChatCompletion(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Stream == nil {
		writeJSON(w, http.StatusOK, res.Completion)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for frame := range res.Stream {
		if _, err := io.WriteString(w, frame); err != nil {
			log.Debug("client went away mid-stream", "provider", res.Provider, "model", req.Model, "err", err)
			cancel()
			for range res.Stream {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.svc.Health().List()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("period")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, fmt.Errorf("%w: invalid period %q", ErrInvalidRequest, raw))
			return
		}
		period = d
	}
	writeJSON(w, http.StatusOK, s.svc.Stats().Summary(period))
}

// handleProviderRefresh forces a fresh login and re-checks every provider.
func (s *Server) handleProviderRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.svc.Registry().Get(name); !ok {
		writeError(w, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, name))
		return
	}
	start := time.Now()
	_, err := s.svc.Acquirer().Acquire(r.Context(), name, true)
	s.svc.Health().RecordProxyResult(name, time.Since(start), 0, err)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, _ := s.svc.Health().Snapshot(name)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLogsWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	backlog, lines, unsubscribe := s.logs.Subscribe()
	defer unsubscribe()
	for _, line := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := ErrorPayload(err)
	writeJSON(w, status, body)
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
