package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/consignd/internal/correlation"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and an OpenTelemetry span per
// operation.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/consignd/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated backend.
func Unwrap(b storage.Backend) storage.Backend {
	if w, ok := b.(*backend); ok {
		return w.inner
	}
	return b
}

func (b *backend) start(ctx context.Context, op string, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "consignd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("consignd.storage.operation", op),
		attribute.String("consignd.sys", b.sys),
		attribute.Bool("consignd.storage.has_key", key != ""),
	)

	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = b.logger
		if corr := correlation.ID(ctx); corr != "" {
			logger = logger.With("cid", corr)
		}
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("consignd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("consignd.storage.end", trace.WithAttributes(
			attribute.String("consignd.storage.result", result),
			attribute.Int64("consignd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "get_object", key)
	defer span.End()

	logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag, size := "", int64(0)
	if result.Info != nil {
		etag, size = result.Info.ETag, result.Info.Size
	}
	span.SetAttributes(attribute.Int64("consignd.storage.object_size", size))
	logger.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "stat_object", key)
	defer span.End()

	logger.Trace("storage.stat_object.begin", "key", key)
	info, err := b.inner.StatObject(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("storage.stat_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.stat_object.success", "key", key, "etag", info.ETag, "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("consignd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("consignd.storage.if_not_exists", opts.IfNotExists),
	)
	logger.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag, size := "", int64(0)
	if info != nil {
		etag, size = info.ETag, info.Size
	}
	logger.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "delete_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("consignd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("consignd.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()

	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) Close() error {
	begin := time.Now()
	_, span, logger, finish := b.start(context.Background(), "close", "")
	defer span.End()

	err := b.inner.Close()
	finish(err)
	if err != nil {
		logger.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
