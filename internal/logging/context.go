package logging

import "context"

type contextKey string

const (
	loggerKey   contextKey = "logger"
	workerIDKey contextKey = "worker_id"
	storeKey    contextKey = "store"
)

// WithLogger stores logger in ctx for the *Ctx helpers
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or the global one
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return global
}

// WithWorkerID adds the worker id to the context
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithStore adds the logical store name (position, offset, config) to the context
func WithStore(ctx context.Context, store string) context.Context {
	return context.WithValue(ctx, storeKey, store)
}

func extractContextFields(ctx context.Context) []interface{} {
	var fields []interface{}

	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, "worker_id", workerID)
	}

	if store, ok := ctx.Value(storeKey).(string); ok && store != "" {
		fields = append(fields, "store", store)
	}

	return fields
}

// InfoCtx logs through the context logger, tagged with worker and store
func InfoCtx(ctx context.Context, msg string, fields ...interface{}) {
	FromContext(ctx).WithContext(ctx).Info(msg, fields...)
}

func WarnCtx(ctx context.Context, msg string, fields ...interface{}) {
	FromContext(ctx).WithContext(ctx).Warn(msg, fields...)
}

func ErrorCtx(ctx context.Context, msg string, fields ...interface{}) {
	FromContext(ctx).WithContext(ctx).Error(msg, fields...)
}
