package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
	"github.com/yjpa7145/cumulus/workflow"
)

type fakeRules struct {
	rules []*rule.Rule
	err   error
}

func (f *fakeRules) FindEnabled(_ context.Context, typ rule.Type, dataset string) ([]*rule.Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*rule.Rule
	for _, r := range f.rules {
		if r.Enabled() && r.Trigger.Type == typ && r.MatchesDataset(dataset) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeResolver struct {
	templates map[string]workflow.Template
}

func (f *fakeResolver) Resolve(_ context.Context, name string) (workflow.Template, error) {
	tmpl, ok := f.templates[name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "TemplateResolver",
			"Resolve", "load template "+name)
	}
	return tmpl, nil
}

type submission struct {
	subject string
	body    []byte
}

type fakeQueue struct {
	mu          sync.Mutex
	submissions []submission
	failSubject string
}

func (f *fakeQueue) Submit(_ context.Context, subject string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubject != "" && subject == f.failSubject {
		return errors.New("queue unavailable")
	}
	f.submissions = append(f.submissions, submission{subject: subject, body: body})
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func defaultTemplate() workflow.Template {
	return workflow.Template{
		"meta": map[string]any{
			"queues": map[string]any{"start_workflow": "workflow.start.default"},
		},
	}
}

func streamRule(name, dataset, wf string) *rule.Rule {
	return &rule.Rule{
		Name:     name,
		Workflow: wf,
		Dataset:  dataset,
		State:    rule.StateEnabled,
		Trigger:  rule.Trigger{Type: rule.TypeStream, Value: "ingest.records.x"},
	}
}

func newTestDispatcher(rules []*rule.Rule, queue *fakeQueue) *Dispatcher {
	resolver := &fakeResolver{templates: map[string]workflow.Template{
		"IngestRecord":  defaultTemplate(),
		"IngestGranule": defaultTemplate(),
	}}
	return NewDispatcher(&fakeRules{rules: rules}, resolver, queue, nil, nil)
}

func TestDispatcherSubmitsOnePerMatch(t *testing.T) {
	queue := &fakeQueue{}
	d := newTestDispatcher([]*rule.Rule{
		streamRule("a", "MOD09GQ.006", "IngestRecord"),
		streamRule("b", "MOD09GQ.006", "IngestGranule"),
		streamRule("c", "MYD13Q1.006", "IngestRecord"),
	}, queue)

	rec := &Record{Dataset: "MOD09GQ.006", Payload: map[string]any{"dataset": "MOD09GQ.006"}}
	n, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, queue.count())
}

func TestDispatcherNoMatchesIsNotAnError(t *testing.T) {
	queue := &fakeQueue{}
	d := newTestDispatcher(nil, queue)

	rec := &Record{Dataset: "MOD09GQ.006", Payload: map[string]any{}}
	n, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, queue.count())
}

func TestDispatcherSkipsDisabledRules(t *testing.T) {
	queue := &fakeQueue{}
	off := streamRule("off", "MOD09GQ.006", "IngestRecord")
	off.State = rule.StateDisabled
	d := newTestDispatcher([]*rule.Rule{off}, queue)

	rec := &Record{Dataset: "MOD09GQ.006", Payload: map[string]any{}}
	n, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	queue := &fakeQueue{}
	broken := streamRule("broken", "MOD09GQ.006", "MissingWorkflow")
	d := newTestDispatcher([]*rule.Rule{
		streamRule("a", "MOD09GQ.006", "IngestRecord"),
		broken,
		streamRule("c", "MOD09GQ.006", "IngestGranule"),
	}, queue)

	rec := &Record{Dataset: "MOD09GQ.006", Payload: map[string]any{}}
	n, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.Error(t, err)
	assert.Equal(t, 2, n, "healthy rules dispatch despite the broken one")

	var derr *errors.DispatchError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Failures, 1)
	assert.Contains(t, derr.Failures, "broken")
}

func TestDispatcherMessageCarriesRecordPayload(t *testing.T) {
	queue := &fakeQueue{}
	d := newTestDispatcher([]*rule.Rule{
		streamRule("a", "MOD09GQ.006", "IngestRecord"),
	}, queue)

	payload := map[string]any{"dataset": "MOD09GQ.006", "identifier": "granule-1"}
	rec := &Record{Dataset: "MOD09GQ.006", Payload: payload}
	_, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.NoError(t, err)

	require.Len(t, queue.submissions, 1)
	assert.Equal(t, "workflow.start.default", queue.submissions[0].subject)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(queue.submissions[0].body, &msg))
	assert.Equal(t, payload, msg["payload"])
	meta := msg["meta"].(map[string]any)
	assert.Equal(t, "MOD09GQ.006", meta["dataset"])
}

func TestDispatcherEnqueueRuleWithoutPayload(t *testing.T) {
	queue := &fakeQueue{}
	d := newTestDispatcher(nil, queue)

	onetime := &rule.Rule{
		Name:     "reingest",
		Workflow: "IngestRecord",
		State:    rule.StateEnabled,
		Trigger:  rule.Trigger{Type: rule.TypeOnetime},
	}
	require.NoError(t, d.EnqueueRule(context.Background(), onetime, nil))
	require.Len(t, queue.submissions, 1)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(queue.submissions[0].body, &msg))
	assert.Equal(t, map[string]any{}, msg["payload"])
}

func TestDispatcherRuleFinderFailure(t *testing.T) {
	queue := &fakeQueue{}
	d := NewDispatcher(&fakeRules{err: errors.New("kv unavailable")},
		&fakeResolver{}, queue, nil, nil)

	rec := &Record{Dataset: "MOD09GQ.006", Payload: map[string]any{}}
	_, err := d.Dispatch(context.Background(), rec, rule.TypeStream)
	require.Error(t, err)
	assert.Zero(t, queue.count())
}
