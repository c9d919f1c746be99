package tasks

import (
	"context"
	"fmt"
)

// Handler runs one task. Handlers must be idempotent: the broker may deliver
// a task more than once.
type Handler func(ctx context.Context, task Task) error

// Router dispatches a task to the handler registered for its kind
type Router struct {
	onFinalize Handler
	onCancel   Handler
	onSettle   Handler
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) OnFinalize(h Handler) { r.onFinalize = h }

func (r *Router) OnCancel(h Handler) { r.onCancel = h }

func (r *Router) OnSettle(h Handler) { r.onSettle = h }

func (r *Router) Dispatch(ctx context.Context, task Task) error {
	var h Handler
	switch task.Kind {
	case KindFinalize:
		h = r.onFinalize
	case KindCancel:
		h = r.onCancel
	case KindSettle:
		h = r.onSettle
	}
	if h == nil {
		return fmt.Errorf("no handler registered for task kind %q", task.Kind)
	}
	return h(ctx, task)
}
