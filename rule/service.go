package rule

import (
	"context"
	"log/slog"

	"github.com/yjpa7145/cumulus/binding"
	"github.com/yjpa7145/cumulus/errors"
)

// BindingManager is the part of the binding manager the lifecycle
// service needs.
type BindingManager interface {
	Acquire(ctx context.Context, value string) (binding.Binding, error)
	Release(ctx context.Context, value string) error
}

// Enqueuer submits a rule's workflow for execution. Onetime rules are
// enqueued directly by the lifecycle service; scheduled rules go through
// the scheduler.
type Enqueuer interface {
	EnqueueRule(ctx context.Context, r *Rule, payload map[string]any) error
}

// Patch carries the mutable fields of a rule update. Nil fields are
// left unchanged. Name, ID and trigger type are immutable.
type Patch struct {
	State    *State
	Value    *string
	Workflow *string
	Dataset  *string
	Source   *string
	Meta     map[string]any
}

// Service orchestrates rule lifecycle. Binding state always moves
// before the persisted record: a mutation that cannot provision or
// release its bindings leaves the stored rule untouched.
type Service struct {
	store    *Store
	bindings BindingManager
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewService creates a rule lifecycle service. The enqueuer may be nil,
// in which case onetime rules are persisted without immediate dispatch.
func NewService(store *Store, bindings BindingManager, enqueuer Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		bindings: bindings,
		enqueuer: enqueuer,
		logger:   logger.With("component", "RuleService"),
	}
}

func (s *Service) needsBinding(r *Rule) bool {
	return r.Trigger.Type == TypeStream && r.Enabled()
}

// Create validates the rule, provisions its binding when it is an
// enabled stream rule, persists it, and fires it once when it is an
// enabled onetime rule. A persistence failure rolls the binding back.
func (s *Service) Create(ctx context.Context, r *Rule) (*Rule, error) {
	if r.State == "" {
		r.State = StateEnabled
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Trigger.BindingRef = ""
	r.Trigger.LogBindingRef = ""

	if s.needsBinding(r) {
		b, err := s.bindings.Acquire(ctx, r.Trigger.Value)
		if err != nil {
			return nil, err
		}
		r.Trigger.BindingRef = b.Ref
		r.Trigger.LogBindingRef = b.LogRef
	}

	if err := s.store.Create(ctx, r); err != nil {
		if s.needsBinding(r) {
			if relErr := s.bindings.Release(ctx, r.Trigger.Value); relErr != nil {
				s.logger.Error("binding rollback failed after create",
					"rule", r.Name, "value", r.Trigger.Value, "error", relErr)
			}
		}
		return nil, err
	}
	s.logger.Info("rule created", "rule", r.Name, "type", r.Trigger.Type,
		"state", r.State)

	if r.Trigger.Type == TypeOnetime && r.Enabled() && s.enqueuer != nil {
		if err := s.enqueuer.EnqueueRule(ctx, r, nil); err != nil {
			return r, errors.Wrap(err, "RuleService", "Create",
				"dispatch onetime rule "+r.Name)
		}
	}
	return r, nil
}

// Get returns the rule with the given name.
func (s *Service) Get(ctx context.Context, name string) (*Rule, error) {
	return s.store.Get(ctx, name)
}

// List returns all rules.
func (s *Service) List(ctx context.Context) ([]*Rule, error) {
	return s.store.List(ctx)
}

// Update applies the patch to the named rule. When the effective
// trigger value or state changes on a stream rule, the new binding is
// acquired before the stale one is released, and the record is only
// persisted once binding state is settled. On any binding failure the
// stored rule is left unchanged.
func (s *Service) Update(ctx context.Context, name string, p Patch) (*Rule, error) {
	current, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	next := *current
	next.Meta = current.Meta
	if p.State != nil {
		next.State = *p.State
	}
	if p.Value != nil {
		next.Trigger.Value = *p.Value
	}
	if p.Workflow != nil {
		next.Workflow = *p.Workflow
	}
	if p.Dataset != nil {
		next.Dataset = *p.Dataset
	}
	if p.Source != nil {
		next.Source = *p.Source
	}
	if p.Meta != nil {
		next.Meta = p.Meta
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.rebind(ctx, current, &next); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, &next); err != nil {
		s.unbind(ctx, current, &next)
		return nil, err
	}
	s.logger.Info("rule updated", "rule", next.Name, "state", next.State)

	wasEnabled := current.Enabled()
	if next.Trigger.Type == TypeOnetime && next.Enabled() && !wasEnabled && s.enqueuer != nil {
		if err := s.enqueuer.EnqueueRule(ctx, &next, nil); err != nil {
			return &next, errors.Wrap(err, "RuleService", "Update",
				"dispatch onetime rule "+next.Name)
		}
	}
	return &next, nil
}

// rebind settles binding state for the transition from current to next.
// When both sides need a binding on the same value the existing refs
// are kept, so state-only and metadata-only updates never reprovision.
func (s *Service) rebind(ctx context.Context, current, next *Rule) error {
	wasBound := s.needsBinding(current)
	wantBound := s.needsBinding(next)
	sameValue := current.Trigger.Value == next.Trigger.Value

	if wasBound && wantBound && sameValue {
		return nil
	}

	next.Trigger.BindingRef = ""
	next.Trigger.LogBindingRef = ""

	if wantBound {
		b, err := s.bindings.Acquire(ctx, next.Trigger.Value)
		if err != nil {
			return err
		}
		next.Trigger.BindingRef = b.Ref
		next.Trigger.LogBindingRef = b.LogRef
	}
	if wasBound {
		if err := s.bindings.Release(ctx, current.Trigger.Value); err != nil {
			if wantBound {
				if relErr := s.bindings.Release(ctx, next.Trigger.Value); relErr != nil {
					s.logger.Error("binding rollback failed during update",
						"rule", next.Name, "value", next.Trigger.Value, "error", relErr)
				}
			}
			return err
		}
	}
	return nil
}

// unbind rolls back the binding transition of rebind after a failed
// persist, restoring current's binding where it was released.
func (s *Service) unbind(ctx context.Context, current, next *Rule) {
	wasBound := s.needsBinding(current)
	wantBound := s.needsBinding(next)
	if wasBound && wantBound && current.Trigger.Value == next.Trigger.Value {
		return
	}
	if wantBound {
		if err := s.bindings.Release(ctx, next.Trigger.Value); err != nil {
			s.logger.Error("binding rollback failed after update",
				"rule", next.Name, "value", next.Trigger.Value, "error", err)
		}
	}
	if wasBound {
		b, err := s.bindings.Acquire(ctx, current.Trigger.Value)
		if err != nil {
			s.logger.Error("binding restore failed after update",
				"rule", current.Name, "value", current.Trigger.Value, "error", err)
			return
		}
		current.Trigger.BindingRef = b.Ref
		current.Trigger.LogBindingRef = b.LogRef
	}
}

// Delete releases the rule's binding reference and removes the record.
// A binding teardown failure aborts the delete, leaving the rule in
// place for a retry.
func (s *Service) Delete(ctx context.Context, name string) error {
	r, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if s.needsBinding(r) {
		if err := s.bindings.Release(ctx, r.Trigger.Value); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, name); err != nil {
		if s.needsBinding(r) {
			if _, acqErr := s.bindings.Acquire(ctx, r.Trigger.Value); acqErr != nil {
				s.logger.Error("binding restore failed after delete",
					"rule", name, "value", r.Trigger.Value, "error", acqErr)
			}
		}
		return err
	}
	s.logger.Info("rule deleted", "rule", name)
	return nil
}

// Restore rebuilds binding reference counts from persisted rules after
// a restart. It must run before the service accepts mutations.
func (s *Service) Restore(ctx context.Context, restore func(value string, b binding.Binding)) error {
	rules, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if s.needsBinding(r) && r.Trigger.BindingRef != "" {
			restore(r.Trigger.Value, binding.Binding{
				Ref:    r.Trigger.BindingRef,
				LogRef: r.Trigger.LogBindingRef,
			})
		}
	}
	return nil
}
