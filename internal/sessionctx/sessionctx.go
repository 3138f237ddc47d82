// Package sessionctx propagates the current conversation/session identifier
// through a call graph without threading it through every signature. Job
// executions, message handling, and tools all run under RunWith; code that
// predates a request context (startup, tests) reads a process-wide fallback.
package sessionctx

import (
	"context"
	"sync/atomic"

	"github.com/routinely/routinely/internal/consts"
)

type ctxKey struct{}

var fallback atomic.Value // string

// With returns a context carrying id as the current session. An empty id
// leaves ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// Current returns the session id for ctx. Priority: context value, then the
// process-wide fallback, then consts.DefaultSession. Concurrent goroutines
// holding contexts from different With calls never observe each other's id.
func Current(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
			return id
		}
	}
	if id, ok := fallback.Load().(string); ok && id != "" {
		return id
	}
	return consts.DefaultSession
}

// SetFallback sets the process-wide session id used when no context value is
// present.
func SetFallback(id string) {
	fallback.Store(id)
}

// RunWith executes fn with id established as the current session. Nested
// calls shadow the enclosing id for their own subtree only; the caller's
// context is untouched.
func RunWith(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return fn(With(ctx, id))
}
