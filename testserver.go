package consignd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/consignd/client"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	if level == pslog.NoLevel {
		level = pslog.DebugLevel
	}
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Backend exposes the injected storage backend, or nil when the server opened
// its own from Config.Store.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	backend       storage.Backend
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestListener overrides the listen protocol and address.
func WithTestListener(proto, address string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = proto
		cfg.Listen = address
	})
}

// WithTestStore sets Config.Store.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestBackend injects a pre-built backend.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestLogger sets the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestClientOptions adds options for the bundled client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating TestServer.Client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a server on 127.0.0.1:0 backed by mem:// unless the
// options say otherwise.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Store:       "mem://",
			ListenProto: "tcp",
			Listen:      "127.0.0.1:0",
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.StagingDir == "" && options.testTB != nil {
		if tb, ok := options.testTB.(interface{ TempDir() string }); ok {
			cfg.StagingDir = tb.TempDir()
		}
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startCtx := ctx
	if startCtx == nil {
		startCtx = context.Background()
	}
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(startCtx, options.startTimeout)
		defer cancel()
	}
	startOpts := []Option{WithLogger(logger)}
	if options.backend != nil {
		startOpts = append(startOpts, WithBackend(options.backend))
	}
	// The server lifetime is owned by Stop, not by the start context.
	srv, stop, err := StartServer(context.WithoutCancel(startCtx), cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	if err := startCtx.Err(); err != nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server start: %w", err)
	}

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	baseURL := computeBaseURL(srv.cfg, addr)

	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   srv.cfg,
		stop:     stop,
		backend:  options.backend,
	}
	if !options.disableClient {
		ts.Client, err = client.New(baseURL, options.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	opts = append([]TestServerOption{func(o *testServerOptions) {
		if o.testTB == nil {
			o.testTB = t
			o.testLogLevel = pslog.InfoLevel
		}
	}}, opts...)
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func computeBaseURL(cfg Config, addr net.Addr) string {
	if strings.ToLower(cfg.ListenProto) == "unix" {
		return "unix://" + cfg.Listen
	}
	return "http://" + addr.String()
}
