package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
)

type fakeRuleSource struct {
	rules []*rule.Rule
	err   error
}

func (f *fakeRuleSource) FindEnabled(_ context.Context, typ rule.Type, _ string) ([]*rule.Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*rule.Rule
	for _, r := range f.rules {
		if r.Enabled() && r.Trigger.Type == typ {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeEnqueuer) EnqueueRule(_ context.Context, r *rule.Rule, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, r.Name)
	return nil
}

func scheduledRule(name, spec string) *rule.Rule {
	return &rule.Rule{
		Name:     name,
		Workflow: "EmsReport",
		State:    rule.StateEnabled,
		Trigger:  rule.Trigger{Type: rule.TypeScheduled, Value: spec},
	}
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("0 2 * * *"))
	assert.NoError(t, ValidateSpec("@hourly"))

	err := ValidateSpec("every tuesday")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSchedulerReloadRegistersEnabledRules(t *testing.T) {
	source := &fakeRuleSource{rules: []*rule.Rule{
		scheduledRule("nightly", "0 2 * * *"),
		scheduledRule("hourly", "@hourly"),
	}}
	s := New(source, &fakeEnqueuer{}, nil)

	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 2, s.Len())
}

func TestSchedulerReloadSkipsInvalidExpressions(t *testing.T) {
	source := &fakeRuleSource{rules: []*rule.Rule{
		scheduledRule("nightly", "0 2 * * *"),
		scheduledRule("broken", "not a cron spec"),
	}}
	s := New(source, &fakeEnqueuer{}, nil)

	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 1, s.Len(), "the broken rule is skipped, the rest still run")
}

func TestSchedulerReloadDropsRemovedRules(t *testing.T) {
	source := &fakeRuleSource{rules: []*rule.Rule{
		scheduledRule("nightly", "0 2 * * *"),
		scheduledRule("hourly", "@hourly"),
	}}
	s := New(source, &fakeEnqueuer{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Reload(ctx))
	require.Equal(t, 2, s.Len())

	source.rules = source.rules[:1]
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerReloadIgnoresDisabledRules(t *testing.T) {
	off := scheduledRule("paused", "@hourly")
	off.State = rule.StateDisabled
	source := &fakeRuleSource{rules: []*rule.Rule{off}}
	s := New(source, &fakeEnqueuer{}, nil)

	require.NoError(t, s.Reload(context.Background()))
	assert.Zero(t, s.Len())
}

func TestSchedulerReloadSourceFailure(t *testing.T) {
	source := &fakeRuleSource{err: errors.New("kv unavailable")}
	s := New(source, &fakeEnqueuer{}, nil)

	err := s.Reload(context.Background())
	require.Error(t, err)
}

func TestSchedulerStartTwice(t *testing.T) {
	s := New(&fakeRuleSource{}, &fakeEnqueuer{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	err := s.Start(ctx)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))
}

func TestSchedulerFireDispatchesRule(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	s := New(&fakeRuleSource{}, enqueuer, nil)

	s.fire(scheduledRule("nightly", "0 2 * * *"))()

	enqueuer.mu.Lock()
	defer enqueuer.mu.Unlock()
	assert.Equal(t, []string{"nightly"}, enqueuer.fired)
}
