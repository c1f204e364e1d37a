package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type ticketCtxKey struct{}
type technicianCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// ContextFields extracts correlation fields from ctx: the active span and
// any request, ticket or technician ids attached with the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := TicketIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("ticket.id", id))
	}
	if id := TechnicianIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("technician.id", id))
	}
	return fields
}

// WithRequestID attaches a request id. Ids that are empty, longer than 128
// bytes or contain characters outside [a-zA-Z0-9._:-] are ignored, since they
// usually arrive from client headers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return idFrom(ctx, requestCtxKey{})
}

// WithTicketID attaches the service ticket being worked on.
func WithTicketID(ctx context.Context, id string) context.Context {
	return withID(ctx, ticketCtxKey{}, id)
}

// TicketIDFromContext returns the ticket id, or "".
func TicketIDFromContext(ctx context.Context) string {
	return idFrom(ctx, ticketCtxKey{})
}

// WithTechnicianID attaches the acting technician.
func WithTechnicianID(ctx context.Context, id string) context.Context {
	return withID(ctx, technicianCtxKey{}, id)
}

// TechnicianIDFromContext returns the technician id, or "".
func TechnicianIDFromContext(ctx context.Context) string {
	return idFrom(ctx, technicianCtxKey{})
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
