// Package channel routes job execution results to named delivery targets.
// Dispatch is a registered-handler table keyed by channel name, so new
// targets plug in without touching the scheduler.
package channel

import (
	"context"
	"sync"

	"github.com/bytedance/gg/gmap"
)

// Well-known channel names.
const (
	Desktop  = "desktop"
	Telegram = "telegram"
)

// Delivery carries one job result to a handler.
type Delivery struct {
	JobName   string
	Prompt    string
	Response  string
	SessionID string
	Recipient string // optional explicit destination (e.g. a chat id)
}

// Handler delivers job results for one named channel.
type Handler interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, d Delivery) error
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Deliver(ctx context.Context, d Delivery) error { return h.fn(ctx, d) }

// HandlerFunc adapts a function to a named Handler.
func HandlerFunc(name string, fn func(ctx context.Context, d Delivery) error) Handler {
	return &funcHandler{name: name, fn: fn}
}

// Registry is a thread-safe handler table.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler, 4),
	}
}

// Register adds or replaces the handler for its channel name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get looks up the handler for a channel name. Absence is an expected state
// (headless runs, startup ordering), so no error is returned.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return gmap.ToSlice(
		r.handlers,
		func(k string, v Handler) Handler { return v },
	)
}

func (r *Registry) Unregister(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
