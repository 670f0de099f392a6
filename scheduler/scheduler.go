// Package scheduler fires enabled scheduled rules on their cron
// expressions, submitting each firing through the workflow dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
)

// RuleSource lists the enabled scheduled rules to run.
type RuleSource interface {
	FindEnabled(ctx context.Context, typ rule.Type, dataset string) ([]*rule.Rule, error)
}

// Scheduler owns the cron runner. Entries are kept in sync with the
// rule store via Reload; a rule's trigger value is its cron expression.
type Scheduler struct {
	rules       RuleSource
	enqueuer    rule.Enqueuer
	logger      *slog.Logger
	fireTimeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFireTimeout bounds each rule firing.
func WithFireTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.fireTimeout = d }
}

// New creates a scheduler over the given rule source and enqueuer.
func New(rules RuleSource, enqueuer rule.Enqueuer, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		rules:       rules,
		enqueuer:    enqueuer,
		logger:      logger.With("component", "Scheduler"),
		fireTimeout: time.Minute,
		cron:        cron.New(),
		entries:     make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateSpec reports whether a cron expression is acceptable as a
// scheduled rule's trigger value.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.WrapInvalid(err, "Scheduler", "ValidateSpec",
			"parse cron expression "+spec)
	}
	return nil
}

// Start loads the current scheduled rules and begins firing them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "rules", s.Len())
	return nil
}

// Stop halts firing and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Reload syncs cron entries with the enabled scheduled rules: new rules
// are registered, removed or disabled ones unregistered, and a changed
// expression reschedules the rule. Rules with an unparsable expression
// are skipped and logged.
func (s *Scheduler) Reload(ctx context.Context) error {
	rules, err := s.rules.FindEnabled(ctx, rule.TypeScheduled, "")
	if err != nil {
		return errors.Wrap(err, "Scheduler", "Reload", "load scheduled rules")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		seen[r.Name] = true
		if id, ok := s.entries[r.Name]; ok {
			s.cron.Remove(id)
		}
		id, err := s.cron.AddFunc(r.Trigger.Value, s.fire(r))
		if err != nil {
			delete(s.entries, r.Name)
			s.logger.Error("rule has invalid cron expression", "rule", r.Name,
				"spec", r.Trigger.Value, "error", err)
			continue
		}
		s.entries[r.Name] = id
	}
	for name, id := range s.entries {
		if !seen[name] {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
	}
	return nil
}

func (s *Scheduler) fire(r *rule.Rule) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
		defer cancel()
		if err := s.enqueuer.EnqueueRule(ctx, r, nil); err != nil {
			s.logger.Error("scheduled dispatch failed", "rule", r.Name,
				"workflow", r.Workflow, "error", err)
			return
		}
		s.logger.Info("scheduled rule fired", "rule", r.Name, "workflow", r.Workflow)
	}
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
