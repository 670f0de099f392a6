package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
	"github.com/yjpa7145/cumulus/rule"
)

type fakeRules struct {
	byDataset map[string][]*rule.Rule
	err       error
}

func (f *fakeRules) FindByDataset(_ context.Context, dataset string) ([]*rule.Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byDataset[dataset], nil
}

func testDataset() *Dataset {
	return &Dataset{ID: "MOD09GQ.006", Name: "MOD09GQ", Version: "006"}
}

func newTestStore(rules *fakeRules) *Store {
	if rules == nil {
		rules = &fakeRules{}
	}
	return NewStore(natsclient.NewMemKV(), rules, nil)
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	d := testDataset()
	require.NoError(t, store.Create(ctx, d))
	assert.False(t, d.CreatedAt.IsZero())

	got, err := store.Get(ctx, "MOD09GQ.006")
	require.NoError(t, err)
	assert.Equal(t, "MOD09GQ", got.Name)
	assert.Equal(t, "006", got.Version)
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testDataset()))
	err := store.Create(ctx, testDataset())
	assert.True(t, errors.Is(err, errors.ErrNameTaken))
}

func TestStoreCreateInvalid(t *testing.T) {
	store := newTestStore(nil)

	err := store.Create(context.Background(), &Dataset{Name: "MOD09GQ"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStoreUpdatePreservesCreatedAt(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	d := testDataset()
	require.NoError(t, store.Create(ctx, d))
	created := d.CreatedAt

	d.Meta = map[string]any{"archived": true}
	require.NoError(t, store.Update(ctx, d))
	assert.Equal(t, created, d.CreatedAt)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Meta["archived"])
}

func TestStoreDeleteUnreferenced(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testDataset()))
	require.NoError(t, store.Delete(ctx, "MOD09GQ.006"))

	_, err := store.Get(ctx, "MOD09GQ.006")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreDeleteGuardedByRules(t *testing.T) {
	rules := &fakeRules{byDataset: map[string][]*rule.Rule{
		"MOD09GQ.006": {
			{Name: "mdr-ingest"},
			{Name: "mdr-reprocess"},
		},
	}}
	store := newTestStore(rules)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testDataset()))

	err := store.Delete(ctx, "MOD09GQ.006")
	require.Error(t, err)

	var assocErr *errors.AssociatedRulesError
	require.ErrorAs(t, err, &assocErr)
	assert.ElementsMatch(t, []string{"mdr-ingest", "mdr-reprocess"}, assocErr.Rules)

	_, err = store.Get(ctx, "MOD09GQ.006")
	assert.NoError(t, err, "guarded delete must leave the dataset in place")
}

func TestStoreDeleteMissing(t *testing.T) {
	store := newTestStore(nil)

	err := store.Delete(context.Background(), "NOPE.001")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreList(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testDataset()))
	require.NoError(t, store.Create(ctx, &Dataset{ID: "MYD13Q1.006", Name: "MYD13Q1", Version: "006"}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
