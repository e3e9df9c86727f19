package dkim

import (
	"context"
)

type contextKey string

const traceKey contextKey = "trace"

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

// TraceFunc receives a printf-style description of each verification step.
type TraceFunc func(f string, a ...interface{})

// WithTraceFunc returns a context that makes the verifier (and signer)
// report their progress to the given function.
func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}
