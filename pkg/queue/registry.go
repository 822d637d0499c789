package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/angelmondragon/packrelay/pkg/db/models"
	"github.com/angelmondragon/packrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/packrelay/pkg/errors"
)

// Handler processes a claimed item. Returned errors wrapped with a
// non-retryable pkg/errors code dead-letter the item immediately; any other
// error counts one attempt toward the retry budget.
type Handler interface {
	Handle(ctx context.Context, item models.QueueItem) error
}

// HandlerFunc adapts plain functions to Handler.
type HandlerFunc func(ctx context.Context, item models.QueueItem) error

func (f HandlerFunc) Handle(ctx context.Context, item models.QueueItem) error {
	return f(ctx, item)
}

// Registry maps each kind to its handler. Populated at process start,
// queried per item during dispatch.
type Registry struct {
	mtx      sync.RWMutex
	registry map[enums.QueueKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{registry: make(map[enums.QueueKind]Handler)}
}

func (r *Registry) Register(kind enums.QueueKind, handler Handler) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registry[kind] = handler
}

// Resolve returns the handler for kind. An unregistered kind is a
// configuration error, not a transient failure, so the error is
// non-retryable and the dispatcher dead-letters the item at once.
func (r *Registry) Resolve(kind enums.QueueKind) (Handler, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if handler, ok := r.registry[kind]; ok {
		return handler, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeUnknownKind, fmt.Sprintf("no handler registered for kind %q", kind))
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []enums.QueueKind {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	kinds := make([]enums.QueueKind, 0, len(r.registry))
	for kind := range r.registry {
		kinds = append(kinds, kind)
	}
	return kinds
}
