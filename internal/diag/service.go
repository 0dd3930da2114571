package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"warden/internal/supervisor"
	logx "warden/pkg/logx"
)

// Config controls the diagnostic HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Pprof         bool
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8321"
	}
	return c
}

// Service serves /healthz, /statusz and optionally /debug/pprof. It
// implements the supervisor's Child contract so the listener lives under
// supervision like any other runtime component.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	status func() any
	onExit func(error)

	ln  net.Listener
	srv *http.Server
}

type Option func(*Service)

// WithStatus installs the document served at /statusz.
func WithStatus(fn func() any) Option {
	return func(s *Service) { s.status = fn }
}

// WithOnExit installs the callback invoked when the server dies without
// Stop being called, typically the supervisor's ReportExit.
func WithOnExit(fn func(error)) Option {
	return func(s *Service) { s.onExit = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg.withDefaults(), log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Name() string                     { return "diag" }
func (s *Service) Policy() supervisor.RestartPolicy { return supervisor.Permanent }

// Start binds the listener and serves on a goroutine. A disabled service
// starts as an idle no-op so it can sit under supervision unconditionally.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Debug("diag disabled")
		return nil
	}
	return s.startLocked()
}

// Stop shuts the server down gracefully. The mutex is released before
// Shutdown so in-flight handlers (which take it) can finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	_ = srv.Shutdown(shutdownCtx)
	_ = srv.Close()
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("diag stopped")
	return nil
}

func (s *Service) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Apply reconfigures the listener, bouncing it when the bind or auth setup
// changed. Safe to call during hot-reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.srv != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		_ = s.Stop(ctx)
	case !running:
		if err := s.Start(ctx); err != nil {
			s.log.Warn("diag start after reload failed", logx.Any("err", err))
		}
	case needsRestart(prev, cfg):
		_ = s.Stop(ctx)
		if err := s.Start(ctx); err != nil {
			s.log.Warn("diag restart after reload failed", logx.Any("err", err))
		}
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Pprof != b.Pprof ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func (s *Service) startLocked() error {
	if s.srv != nil {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)

	// Safety: prevent accidental public exposure without auth.
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("diag refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return errors.New("diag: insecure bind")
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/statusz", wrap(s.handleStatus))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go s.serve(srv, ln)

	s.log.Info("diag started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	return nil
}

// serve reports the exit upward unless Stop took ownership away first.
func (s *Service) serve(srv *http.Server, ln net.Listener) {
	err := srv.Serve(ln)

	s.mu.Lock()
	owned := s.srv == srv
	if owned {
		s.srv = nil
		s.ln = nil
	}
	onExit := s.onExit
	s.mu.Unlock()

	if !owned {
		return
	}
	// Serve never returns nil; ErrServerClosed without a Stop call still
	// means the listener is gone.
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("diag server exited unexpectedly")
	}
	s.log.Error("diag server died", logx.Any("err", err))
	if onExit != nil {
		onExit(err)
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()

	var doc any = map[string]any{"ok": true}
	if fn != nil {
		doc = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		s.log.Debug("statusz encode failed", logx.Any("err", err))
	}
}

// Addr reports the actual listen address if running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Pprof    bool   `json:"pprof"`
	TokenSet bool   `json:"token_set"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := ""
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Addr:     addr,
		Pprof:    s.cfg.Pprof,
		TokenSet: strings.TrimSpace(s.cfg.Token) != "",
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
