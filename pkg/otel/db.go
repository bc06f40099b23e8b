package otel

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"ticketsync/pkg/metrics"
)

// DBSpan 为数据库操作创建 span
func DBSpan(ctx context.Context, system, operation, table string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemKey.String(system),
			semconv.DBOperationKey.String(operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// WithDBSpan 在 span 中执行 fn；pgx.ErrNoRows 不算错误
func WithDBSpan(ctx context.Context, system, operation, table string, fn func(context.Context) error) error {
	ctx, span := DBSpan(ctx, system, operation, table)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordDBQueryDuration(operation, table, time.Since(start))

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, pgx.ErrNoRows):
		span.SetStatus(codes.Ok, "no rows")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
