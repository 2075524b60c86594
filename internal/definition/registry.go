// Package definition holds the workflow registry: the built-in pipelines,
// user-defined workflows, their validation and their persistence.
package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/model"
)

// Registry is a thread-safe store of workflow definitions keyed by id.
// Built-in ids may be overwritten but never deleted; overrides are persisted
// alongside the user-defined workflows.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]model.WorkflowConfig
	overrides map[string]bool
	store     Persistence
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersistence sets the load/save hook for user-defined workflows.
func WithPersistence(p Persistence) Option {
	return func(r *Registry) { r.store = p }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink for reloads and registry size.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry seeded with the built-in workflows.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		workflows: make(map[string]model.WorkflowConfig),
		overrides: make(map[string]bool),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	for _, b := range Builtins() {
		r.workflows[b.ID] = b
	}
	r.metrics.SetWorkflowsRegistered(len(r.workflows))
	return r
}

// IsBuiltin reports whether id names a built-in workflow, overridden or not.
func (r *Registry) IsBuiltin(id string) bool {
	return isBuiltin(id)
}

// Get returns a copy of the workflow with the given id.
func (r *Registry) Get(id string) (model.WorkflowConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return model.WorkflowConfig{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return w.Clone(), nil
}

// List returns copies of all workflows sorted by id.
func (r *Registry) List() []model.WorkflowConfig {
	r.mu.RLock()
	out := make([]model.WorkflowConfig, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register validates cfg and stores it under id, overwriting any existing
// workflow including a built-in, then persists the user-defined set. The map
// is left unchanged if persisting fails.
func (r *Registry) Register(ctx context.Context, id string, cfg model.WorkflowConfig) error {
	cfg.ID = id
	if errs := Validate(cfg); len(errs) > 0 {
		return model.NewConfigError("invalid workflow definition", errs)
	}
	cfg = normalize(cfg)
	builtin := isBuiltin(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.workflows[id]
	prevOverride := r.overrides[id]
	r.workflows[id] = cfg
	if builtin {
		r.overrides[id] = true
	}
	if err := r.persistLocked(ctx); err != nil {
		if had {
			r.workflows[id] = prev
		} else {
			delete(r.workflows, id)
		}
		if builtin && !prevOverride {
			delete(r.overrides, id)
		}
		return fmt.Errorf("persisting workflows: %w", err)
	}

	r.metrics.SetWorkflowsRegistered(len(r.workflows))
	r.logger.Info("workflow registered",
		zap.String("workflow_id", id),
		zap.Int("steps", len(cfg.Steps)),
		zap.Bool("replaced", had),
		zap.Bool("builtin", builtin),
	)
	return nil
}

// Delete removes a user-defined workflow and persists the change.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if isBuiltin(id) {
		return model.NewProtectedResourceError(fmt.Sprintf("workflow %q is built-in and cannot be deleted", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.workflows[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	delete(r.workflows, id)
	if err := r.persistLocked(ctx); err != nil {
		r.workflows[id] = prev
		return fmt.Errorf("persisting workflows: %w", err)
	}

	r.metrics.SetWorkflowsRegistered(len(r.workflows))
	r.logger.Info("workflow deleted", zap.String("workflow_id", id))
	return nil
}

// Load replaces the user-defined workflows and built-in overrides with those
// held by the persistence hook. Invalid entries are skipped and logged. It
// returns the number of workflows loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	defs, err := r.store.Load(ctx)
	if err != nil {
		r.metrics.RecordDefinitionReload("error")
		return 0, fmt.Errorf("loading workflows: %w", err)
	}

	next := make(map[string]model.WorkflowConfig, len(defs)+4)
	for _, b := range Builtins() {
		next[b.ID] = b
	}
	overrides := make(map[string]bool)
	loaded := 0
	for _, d := range defs {
		if errs := Validate(d); len(errs) > 0 {
			r.logger.Warn("skipping invalid persisted workflow",
				zap.String("workflow_id", d.ID),
				zap.Any("errors", errs),
			)
			continue
		}
		if isBuiltin(d.ID) {
			overrides[d.ID] = true
		}
		next[d.ID] = normalize(d)
		loaded++
	}

	r.mu.Lock()
	r.workflows = next
	r.overrides = overrides
	r.mu.Unlock()

	r.metrics.RecordDefinitionReload("success")
	r.metrics.SetWorkflowsRegistered(len(next))
	r.logger.Info("workflows loaded", zap.Int("custom", loaded), zap.Int("total", len(next)))
	return loaded, nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	custom := make([]model.WorkflowConfig, 0, len(r.workflows))
	for id, w := range r.workflows {
		if !isBuiltin(id) || r.overrides[id] {
			custom = append(custom, w.Clone())
		}
	}
	return r.store.Save(ctx, custom)
}
