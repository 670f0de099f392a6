package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
	"github.com/yjpa7145/cumulus/workflow"
)

// RuleFinder locates the enabled rules matching an inbound record.
type RuleFinder interface {
	FindEnabled(ctx context.Context, typ rule.Type, dataset string) ([]*rule.Rule, error)
}

// TemplateResolver loads the message template for a workflow.
type TemplateResolver interface {
	Resolve(ctx context.Context, workflow string) (workflow.Template, error)
}

// Queue submits assembled execution messages to a work queue subject.
type Queue interface {
	Submit(ctx context.Context, subject string, body []byte) error
}

// Dispatcher turns validated records into workflow executions, one per
// matching enabled rule. Matches are independent: a failed submission
// for one rule never blocks the others.
type Dispatcher struct {
	rules    RuleFinder
	resolver TemplateResolver
	queue    Queue
	logger   *slog.Logger
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher. Metrics may be nil.
func NewDispatcher(rules RuleFinder, resolver TemplateResolver, queue Queue,
	logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		rules:    rules,
		resolver: resolver,
		queue:    queue,
		logger:   logger.With("component", "Dispatcher"),
		metrics:  metrics,
	}
}

// Dispatch matches the record against enabled rules of the trigger type
// and submits one execution per match. It returns the number of
// successful submissions; when any match fails, every match is still
// attempted and a DispatchError keyed by rule name reports the
// failures.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *Record, trigger rule.Type) (int, error) {
	matches, err := d.rules.FindEnabled(ctx, trigger, rec.Dataset)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		d.logger.Debug("no rules matched", "dataset", rec.Dataset, "trigger", trigger)
		return 0, nil
	}

	dispatched := 0
	failures := make(map[string]error)
	for _, r := range matches {
		if err := d.EnqueueRule(ctx, r, rec.Payload); err != nil {
			d.logger.Warn("dispatch failed", "rule", r.Name, "workflow", r.Workflow,
				"error", err)
			failures[r.Name] = err
			continue
		}
		dispatched++
	}
	if len(failures) > 0 {
		return dispatched, &errors.DispatchError{Failures: failures}
	}
	return dispatched, nil
}

// EnqueueRule resolves the rule's workflow template, assembles the
// execution request, and submits it. It also serves onetime and
// scheduled rules, which carry no record payload.
func (d *Dispatcher) EnqueueRule(ctx context.Context, r *rule.Rule, payload map[string]any) error {
	start := time.Now()

	tmpl, err := d.resolver.Resolve(ctx, r.Workflow)
	if err != nil {
		d.observe(r.Workflow, "template_error", start)
		return err
	}
	req, err := workflow.BuildExecutionRequest(tmpl, r, payload)
	if err != nil {
		d.observe(r.Workflow, "build_error", start)
		return err
	}
	body, err := json.Marshal(req.Message)
	if err != nil {
		d.observe(r.Workflow, "encode_error", start)
		return errors.WrapInvalid(err, "Dispatcher", "EnqueueRule",
			"encode execution message for rule "+r.Name)
	}
	if err := d.queue.Submit(ctx, req.QueueSubject, body); err != nil {
		d.observe(r.Workflow, "queue_error", start)
		return errors.WrapTransient(err, "Dispatcher", "EnqueueRule",
			"submit execution for rule "+r.Name)
	}

	d.observe(r.Workflow, "dispatched", start)
	d.logger.Info("workflow execution submitted", "rule", r.Name,
		"workflow", r.Workflow, "subject", req.QueueSubject)
	return nil
}

func (d *Dispatcher) observe(workflowName, outcome string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.dispatches.WithLabelValues(workflowName, outcome).Inc()
	d.metrics.dispatchDuration.WithLabelValues(workflowName).
		Observe(time.Since(start).Seconds())
}

var _ rule.Enqueuer = (*Dispatcher)(nil)
