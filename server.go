package consignd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/consignd/internal/clock"
	"pkt.systems/consignd/internal/contentstore"
	"pkt.systems/consignd/internal/httpapi"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/recordstore"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the content and record stores, and the
// telemetry side listeners.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	records      recordstore.Store
	content      *contentstore.Store
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	ownBackend bool
	ownRecords bool

	mu        sync.Mutex
	shutdown  bool
	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Records recordstore.Store
	Clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built object backend instead of opening
// Config.Store. The server does not close injected backends.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithRecords injects a pre-built record store instead of opening
// Config.Records. The server does not close injected stores.
func WithRecords(r recordstore.Store) Option {
	return func(o *options) {
		o.Records = r
	}
}

// WithClock injects the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a consignd server according to cfg.
// Example:
//
//	cfg := consignd.Config{Store: "disk:///var/lib/consignd", Listen: ":8000"}
//	srv, err := consignd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverLogger := loggingutil.WithSubsystem(logger, "server.core")
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	ctx := pslog.ContextWithLogger(context.Background(), serverLogger)
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:           cfg.OTLPEndpoint,
		metricsListen:          cfg.MetricsListen,
		pprofListen:            cfg.PprofListen,
		enableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    serverLogger,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	fail := func(err error) (*Server, error) {
		_ = s.closeStores()
		if s.telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.telemetry.Shutdown(shutdownCtx)
		}
		return nil, err
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("open store: %w", err))
		}
		s.ownBackend = true
	}
	s.backend = wrapBackend(backend, cfg, logger)

	s.records = o.Records
	if s.records == nil {
		s.records, err = openRecords(ctx, cfg, s.backend, serverClock, logger)
		if err != nil {
			return fail(fmt.Errorf("open records: %w", err))
		}
		s.ownRecords = true
	}

	s.content, err = contentstore.New(contentstore.Config{
		Backend:    s.backend,
		StagingDir: cfg.StagingDir,
		Algorithm:  contentstore.Algorithm(cfg.Hash),
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}

	s.handler = httpapi.New(httpapi.Config{
		Content:           s.content,
		Records:           s.records,
		Logger:            logger,
		Ready:             s.ready.Load,
		MultipartMemory:   cfg.MultipartMemory,
		EnableHTTPTracing: !cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return pslog.ContextWithLogger(context.Background(), logger)
		},
	}
	serverLogger.Info("server.configured",
		"store", storeScheme(cfg.Store),
		"records", storeScheme(cfg.Records),
		"hash", cfg.Hash,
		"staging_dir", cfg.StagingDir,
	)
	return s, nil
}

// Handler returns the underlying HTTP handler so the API can be mounted inside
// an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.ready.Store(true)
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones for at most
// Config.ShutdownTimeout, then closes the stores and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.ready.Store(false)
	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("server.shutdown.begin", "timeout", s.cfg.ShutdownTimeout)
	var errs []error
	if err := s.httpSrv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = s.httpSrv.Close()
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) closeStores() error {
	var errs []error
	if s.ownRecords && s.records != nil {
		if err := s.records.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close records: %w", err))
		}
		s.records = nil
	}
	if s.ownBackend && s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.backend = nil
	}
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the server is accepting requests.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, or nil when
// metrics are disabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns it together with
// a stop function. Cancelling ctx also stops the server.
//
//	srv, stop, err := consignd.StartServer(ctx, consignd.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

func storeScheme(store string) string {
	scheme, _, _ := strings.Cut(store, ":")
	return scheme
}
