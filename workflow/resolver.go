package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yjpa7145/cumulus/errors"
)

// Template is a parsed workflow message template. Templates are
// deployment artifacts and treated as immutable once read.
type Template map[string]any

// ObjectGetter reads named objects from a template bucket.
type ObjectGetter interface {
	GetBytes(ctx context.Context, name string) ([]byte, error)
}

// ObjectStoreGetter adapts a JetStream object store to ObjectGetter.
type ObjectStoreGetter struct {
	Store jetstream.ObjectStore
}

func (g ObjectStoreGetter) GetBytes(ctx context.Context, name string) ([]byte, error) {
	return g.Store.GetBytes(ctx, name)
}

// Resolver loads workflow templates by name from object storage under
// <namespace>/workflows/<name>.json. Resolved templates are cached for
// the lifetime of the process.
type Resolver struct {
	store     ObjectGetter
	namespace string
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]Template
}

// NewResolver creates a template resolver for the given namespace.
func NewResolver(store ObjectGetter, namespace string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		namespace: namespace,
		logger:    logger.With("component", "TemplateResolver"),
		cache:     make(map[string]Template),
	}
}

// TemplateKey returns the object name holding the template for a
// workflow.
func (r *Resolver) TemplateKey(workflow string) string {
	return r.namespace + "/workflows/" + workflow + ".json"
}

// Resolve returns the template for the named workflow. A workflow
// without a stored template yields errors.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, workflow string) (Template, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[workflow]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	key := r.TemplateKey(workflow)
	data, err := r.store.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "TemplateResolver",
				"Resolve", "load template "+key)
		}
		return nil, errors.WrapTransient(err, "TemplateResolver", "Resolve",
			"load template "+key)
	}
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, errors.WrapFatal(err, "TemplateResolver", "Resolve",
			"decode template "+key)
	}

	r.mu.Lock()
	r.cache[workflow] = tmpl
	r.mu.Unlock()
	r.logger.Debug("template resolved", "workflow", workflow, "key", key)
	return tmpl, nil
}

// Invalidate drops a cached template, forcing the next Resolve to
// reread object storage.
func (r *Resolver) Invalidate(workflow string) {
	r.mu.Lock()
	delete(r.cache, workflow)
	r.mu.Unlock()
}
