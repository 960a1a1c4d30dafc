package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/metertun/metertun/internal/guard"
	"github.com/metertun/metertun/internal/store"
	"github.com/metertun/metertun/internal/util/connlimit"
)

type serveOptions struct {
	listen        string
	tunnelPath    string
	maxFrame      int
	maxConns      int
	headerTimeout time.Duration
	dialTimeout   time.Duration
	flushInterval time.Duration
	trustProxy    bool
	sessionIDMode string

	storeBackend  string
	accountsFile  string
	sqlitePath    string
	redisAddr     string
	redisUsername string
	redisPassword string
	redisDB       int

	acmeHosts    []string
	acmeEmail    string
	acmeCache    string
	acmeHTTPAddr string

	traceEnabled  bool
	traceExporter string
	traceEndpoint string
	traceInsecure bool
}

// Server accepts tunnel connections over WebSocket and runs one Session per
// connection. Sessions share nothing but the account store.
type Server struct {
	logger  *slog.Logger
	opts    *serveOptions
	metrics *tunnelMetrics
	store   store.Store
	guard   *guard.Guard

	ctx    context.Context
	cancel context.CancelFunc

	sessions  sync.Map // map[string]*Session
	limiter   *connlimit.Limiter
	resources *resourceTracker
	upgrader  websocket.Upgrader
	idGen     func() string

	metricsHandler http.Handler
	acmeManager    *autocert.Manager
	httpSrv        *http.Server
	acmeSrv        *http.Server
	ln             net.Listener
}

// newServer wires a Server around an already-opened store. A nil registry
// uses the process-default prometheus registry.
func newServer(logger *slog.Logger, opts *serveOptions, st store.Store, reg *prometheus.Registry) (*Server, error) {
	if opts.maxFrame <= 0 {
		return nil, errors.New("--max-frame must be positive")
	}
	if opts.flushInterval <= 0 {
		return nil, errors.New("--flush-interval must be positive")
	}
	if !strings.HasPrefix(opts.tunnelPath, "/") {
		return nil, fmt.Errorf("tunnel path %q must start with /", opts.tunnelPath)
	}

	var (
		registerer     prometheus.Registerer = prometheus.DefaultRegisterer
		metricsHandler http.Handler          = promhttp.Handler()
	)
	if reg != nil {
		registerer = reg
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var idGen func() string
	switch mode := strings.ToLower(strings.TrimSpace(opts.sessionIDMode)); mode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", opts.sessionIDMode)
	}

	var acmeManager *autocert.Manager
	if len(opts.acmeHosts) > 0 {
		if opts.acmeCache != "" {
			if err := os.MkdirAll(opts.acmeCache, 0o750); err != nil {
				return nil, fmt.Errorf("create acme cache: %w", err)
			}
		}
		acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.acmeHosts...),
			Email:      opts.acmeEmail,
		}
		if opts.acmeCache != "" {
			acmeManager.Cache = autocert.DirCache(opts.acmeCache)
		}
	}

	return &Server{
		logger:         logger,
		opts:           opts,
		metrics:        newTunnelMetrics(registerer),
		store:          st,
		guard:          guard.New(st, logger.With("component", "guard")),
		limiter:        connlimit.New(opts.maxConns),
		resources:      newResourceTracker(),
		idGen:          idGen,
		metricsHandler: metricsHandler,
		acmeManager:    acmeManager,
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

func (s *Server) nextSessionID() string {
	return s.idGen()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.opts.tunnelPath, http.HandlerFunc(s.handleTunnel))
	mux.Handle("/metrics", s.metricsHandler)
	mux.Handle("/status.json", http.HandlerFunc(s.handleStatusJSON))
	mux.Handle("/healthz", http.HandlerFunc(s.handleHealthz))
	return mux
}

func (s *Server) run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.resources != nil {
		s.resources.start(s.ctx)
	}

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	if s.acmeManager != nil && s.opts.acmeHTTPAddr != "" {
		s.acmeSrv = &http.Server{
			Addr:              s.opts.acmeHTTPAddr,
			Handler:           s.acmeManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("acme http listening", "addr", s.opts.acmeHTTPAddr)
			if err := s.acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("acme http: %w", err))
			}
		}()
	}

	s.httpSrv = &http.Server{
		Addr:              s.opts.listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.acmeManager != nil {
		s.httpSrv.TLSConfig = s.acmeManager.TLSConfig()
	}

	go func() {
		ln, err := net.Listen("tcp", s.opts.listen)
		if err != nil {
			sendErr(fmt.Errorf("listen %s: %w", s.opts.listen, err))
			return
		}
		s.ln = ln
		if s.httpSrv.TLSConfig != nil {
			s.logger.Info("tunnel listening (tls)", "addr", s.opts.listen, "hosts", strings.Join(s.opts.acmeHosts, ","))
			ln = tls.NewListener(ln, s.httpSrv.TLSConfig)
		} else {
			s.logger.Info("tunnel listening", "addr", s.opts.listen)
		}
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("serve: %w", err))
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-s.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.sessions.Range(func(_, value any) bool {
		if session, ok := value.(*Session); ok {
			session.close(ReasonShutdown)
		}
		return true
	})

	if s.httpSrv != nil {
		if errShutdown := s.httpSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("server shutdown", "error", errShutdown)
		}
	}
	if s.acmeSrv != nil {
		if errShutdown := s.acmeSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("acme http shutdown", "error", errShutdown)
		}
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}

	return err
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.TryAcquire() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := newSession(s, conn, s.sourceAddress(r))
	s.sessions.Store(session.id, session)
	s.metrics.sessionsActive.Inc()
	defer func() {
		s.sessions.Delete(session.id)
		s.metrics.sessionsActive.Dec()
	}()

	ctx := s.ctx
	if ctx == nil {
		ctx = r.Context()
	}
	session.run(ctx)
}

// sourceAddress picks the quota-relevant client address: the first
// X-Forwarded-For hop when a fronting proxy is trusted, the socket peer
// otherwise.
func (s *Server) sourceAddress(r *http.Request) string {
	if s.opts.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first, _, found := strings.Cut(fwd, ","); found || first != "" {
				return strings.TrimSpace(first)
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
