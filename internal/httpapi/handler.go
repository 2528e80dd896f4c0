package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/consignd/api"
	"pkt.systems/consignd/internal/contentstore"
	"pkt.systems/consignd/internal/correlation"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/recordstore"
	"pkt.systems/pslog"
)

// DefaultMultipartMemory is the amount of an upload kept in memory before
// multipart parsing spills to temporary files.
const DefaultMultipartMemory int64 = 32 << 20

const ackBodyLimit = 64 << 10

// ContentStore is the artifact storage the handler depends on.
type ContentStore interface {
	Stage(ctx context.Context, r io.Reader) (*contentstore.Staged, error)
	Exists(ctx context.Context, address string) (bool, error)
	Promote(ctx context.Context, staged *contentstore.Staged) (contentstore.PromoteResult, error)
	Read(ctx context.Context, address string) ([]byte, error)
}

// Config groups the dependencies required by Handler.
type Config struct {
	Content ContentStore
	Records recordstore.Store
	Logger  pslog.Logger
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
	// MultipartMemory bounds in-memory buffering of uploads.
	MultipartMemory int64
	// EnableHTTPTracing wraps every route with otelhttp and per-operation spans.
	EnableHTTPTracing bool
}

// Handler serves the consignment handshake API.
type Handler struct {
	content         ContentStore
	records         recordstore.Store
	logger          pslog.Logger
	ready           func() bool
	multipartMemory int64
	tracingEnabled  bool
	tracer          trace.Tracer
	metrics         *apiMetrics
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if cfg.MultipartMemory <= 0 {
		cfg.MultipartMemory = DefaultMultipartMemory
	}
	return &Handler{
		content:         cfg.Content,
		records:         cfg.Records,
		logger:          logger,
		ready:           cfg.Ready,
		multipartMemory: cfg.MultipartMemory,
		tracingEnabled:  cfg.EnableHTTPTracing,
		tracer:          otel.Tracer("pkt.systems/consignd/httpapi"),
		metrics:         newAPIMetrics(logger),
	}
}

// Register wires the routes and health endpoints onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /consignment", h.wrap("upload", h.handleUpload))
	mux.Handle("GET /consignment/{blindedutxo}", h.wrap("fetch", h.handleFetch))
	mux.Handle("GET /consignment/{$}", h.wrap("fetch", h.handleFetch))
	mux.Handle("POST /ack", h.wrap("ack", h.handleAck))
	mux.Handle("POST /nack", h.wrap("nack", h.handleNack))
	mux.Handle("GET /ack/{blindedutxo}", h.wrap("ack_status", h.handleAckStatus))
	mux.Handle("GET /ack/{$}", h.wrap("ack_status", h.handleAckStatus))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	return loggingutil.Subsystem(append([]string{"api", "http"}, parts...)...)
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "consignd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("consignd.sys", sys),
					attribute.String("consignd.operation", operation),
					attribute.String("consignd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		reqID, corrID := correlation.FromRequest(r)
		ctx = correlation.Apply(ctx, w, reqID, corrID)
		span.SetAttributes(attribute.String("consignd.correlation_id", corrID))

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", corrID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		status := http.StatusOK
		defer func() {
			if rec := recover(); rec != nil {
				status = h.handleError(ctx, w, fmt.Errorf("panic: %v", rec))
			}
			h.metrics.record(ctx, operation, status, time.Since(start))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.SetAttributes(attribute.Int("consignd.status", status))
		}()

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			status = h.handleError(ctx, w, err)
			logger.Debug("http.request.error", "status", status, "elapsed", time.Since(start), "error", err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "consignd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// httpError is an expected failure with a client-visible message.
type httpError struct {
	Status  int
	Message string
}

func (e httpError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return http.StatusText(e.Status)
}

var (
	errFileMissing      = httpError{Status: http.StatusBadRequest, Message: api.ErrMsgFileMissing}
	errTokenMissing     = httpError{Status: http.StatusBadRequest, Message: api.ErrMsgTokenMissing}
	errAlreadyUploaded  = httpError{Status: http.StatusForbidden, Message: api.ErrMsgAlreadyUploaded}
	errNotFound         = httpError{Status: http.StatusNotFound, Message: api.ErrMsgNotFound}
	errAlreadyResponded = httpError{Status: http.StatusForbidden, Message: api.ErrMsgAlreadyResponded}
)

// handleError writes the response for err and returns the status sent.
// httpError values are client failures; everything else is an internal error
// and is logged at error level with a bare {success:false} body.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) int {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "detail", httpErr.Message)
		h.writeJSON(w, httpErr.Status, api.Envelope{Success: false, Error: httpErr.Message})
		return httpErr.Status
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http.request.canceled", "error", err)
	} else {
		logger.Error("http.request.internal_error", "error", err)
	}
	h.writeJSON(w, http.StatusInternalServerError, api.Envelope{Success: false})
	return http.StatusInternalServerError
}
