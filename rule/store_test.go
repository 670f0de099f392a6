package rule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
)

func newTestStore() (*Store, *natsclient.MemKV) {
	kv := natsclient.NewMemKV()
	return NewStore(kv, nil), kv
}

func TestStoreCreateAssignsIdentity(t *testing.T) {
	store, _ := newTestStore()
	r := validStreamRule()

	require.NoError(t, store.Create(context.Background(), r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
}

func TestStoreCreateDefaultsToEnabled(t *testing.T) {
	store, _ := newTestStore()
	r := validStreamRule()
	r.State = ""

	require.NoError(t, store.Create(context.Background(), r))
	assert.Equal(t, StateEnabled, r.State)
}

func TestStoreCreateRejectsDuplicateName(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, validStreamRule()))

	err := store.Create(ctx, validStreamRule())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNameTaken))
}

func TestStoreGetRoundTrip(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	r := validStreamRule()
	r.Meta = map[string]any{"retries": float64(2)}
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.Name)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Trigger, got.Trigger)
	assert.Equal(t, r.Meta, got.Meta)
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.Get(context.Background(), "no-such-rule")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreUpdate(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	r := validStreamRule()
	require.NoError(t, store.Create(ctx, r))

	r.State = StateDisabled
	require.NoError(t, store.Update(ctx, r))

	got, err := store.Get(ctx, r.Name)
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, got.State)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
}

func TestStoreUpdateMissing(t *testing.T) {
	store, _ := newTestStore()

	err := store.Update(context.Background(), validStreamRule())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	r := validStreamRule()
	require.NoError(t, store.Create(ctx, r))
	require.NoError(t, store.Delete(ctx, r.Name))

	_, err := store.Get(ctx, r.Name)
	assert.True(t, errors.IsNotFound(err))

	err = store.Delete(ctx, r.Name)
	assert.True(t, errors.IsNotFound(err))
}

func seedRules(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	rules := []*Rule{
		{Name: "stream-a", Workflow: "IngestRecord", Dataset: "MOD09GQ.006", State: StateEnabled,
			Trigger: Trigger{Type: TypeStream, Value: "ingest.records.a"}},
		{Name: "stream-b", Workflow: "IngestRecord", Dataset: "MYD13Q1.006", State: StateEnabled,
			Trigger: Trigger{Type: TypeStream, Value: "ingest.records.b"}},
		{Name: "stream-any", Workflow: "IngestRecord", State: StateEnabled,
			Trigger: Trigger{Type: TypeStream, Value: "ingest.records.a"}},
		{Name: "stream-off", Workflow: "IngestRecord", Dataset: "MOD09GQ.006", State: StateDisabled,
			Trigger: Trigger{Type: TypeStream, Value: "ingest.records.a"}},
		{Name: "nightly", Workflow: "EmsReport", Source: "podaac-ftp", State: StateEnabled,
			Trigger: Trigger{Type: TypeScheduled, Value: "0 2 * * *"}},
	}
	for _, r := range rules {
		require.NoError(t, store.Create(ctx, r))
	}
}

func TestStoreList(t *testing.T) {
	store, _ := newTestStore()
	seedRules(t, store)

	rules, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 5)
}

func TestStoreFindByDataset(t *testing.T) {
	store, _ := newTestStore()
	seedRules(t, store)

	rules, err := store.FindByDataset(context.Background(), "MOD09GQ.006")
	require.NoError(t, err)
	names := ruleNames(rules)
	assert.ElementsMatch(t, []string{"stream-a", "stream-off"}, names)
}

func TestStoreFindBySource(t *testing.T) {
	store, _ := newTestStore()
	seedRules(t, store)

	rules, err := store.FindBySource(context.Background(), "podaac-ftp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nightly"}, ruleNames(rules))
}

func TestStoreFindEnabled(t *testing.T) {
	store, _ := newTestStore()
	seedRules(t, store)
	ctx := context.Background()

	rules, err := store.FindEnabled(ctx, TypeStream, "MOD09GQ.006")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stream-a", "stream-any"}, ruleNames(rules),
		"disabled rules and other datasets are excluded, dataset-less rules match")

	rules, err = store.FindEnabled(ctx, TypeScheduled, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nightly"}, ruleNames(rules))
}

func ruleNames(rules []*Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}
