// Package server is the HTTP front of the receptionist: the chat API,
// conversation history, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadhira/lobby/internal/config"
	"github.com/nadhira/lobby/internal/metrics"
	"github.com/nadhira/lobby/pkg/history"
	"github.com/nadhira/lobby/pkg/llm"
)

// ChatModel produces assistant replies.
type ChatModel interface {
	Chat(ctx context.Context, systemPrompt string, history []llm.Message, userMessage string) (string, error)
}

// Synthesizer turns text into MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AvatarSpeaker receives synthesized audio for lip-sync playback.
type AvatarSpeaker interface {
	Speak(mp3 []byte)
	Ready() bool
}

// KnowledgeSource provides grounding context for a query.
type KnowledgeSource interface {
	Context(query string) string
	Len() int
}

// Deps are the collaborators the server calls into. Synth and Avatar
// may be nil when speech is disabled.
type Deps struct {
	Model     ChatModel
	Synth     Synthesizer
	Avatar    AvatarSpeaker
	Knowledge KnowledgeSource
	History   *history.Store
	Metrics   *metrics.Metrics
}

// Server is the HTTP server.
type Server struct {
	cfg      config.ServerConfig
	prompt   string
	deps     Deps
	server   *http.Server
	limiter  *rateLimiter
	sessions *sessionStore
	logger   zerolog.Logger

	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	stopSweep      chan struct{}
	stopSweepOnce  sync.Once
}

// New builds the server. systemPrompt is the model's standing
// instruction; knowledge context is appended to it per request.
func New(cfg config.ServerConfig, systemPrompt string, deps Deps, logger zerolog.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 1000
	}

	s := &Server{
		cfg:       cfg,
		prompt:    systemPrompt,
		deps:      deps,
		limiter:   newRateLimiter(cfg.RateLimitPerMinute),
		sessions:  newSessionStore(cfg.MaxContextMessages),
		logger:    logger,
		startTime: time.Now(),
		stopSweep: make(chan struct{}),
	}
	go s.sweepSessions()
	return s
}

func (s *Server) sweepSessions() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sessions.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	return s.withMiddleware(mux)
}

// Start blocks serving HTTP until Stop or a listen failure.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.cfg.Host).
		Int("port", s.cfg.Port).
		Msg("starting http server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("shutting down http server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	timeout := time.Duration(s.cfg.ShutdownTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn().Msg("shutdown timeout reached, forcing close")
	}

	s.limiter.stop()
	s.stopSweepOnce.Do(func() { close(s.stopSweep) })

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// withMiddleware wraps the mux with headers, CORS, and shutdown/
// in-flight accounting.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientIP honors X-Forwarded-For when present, first hop wins.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
