package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectAndPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	tc := NewTestClient(t)
	ctx := context.Background()

	require.True(t, tc.IsReady())

	received := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "ingest.test", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, tc.Client.Publish(ctx, "ingest.test", []byte("record")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("record"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_KVStoreSemantics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	tc := NewTestClient(t, WithKVBuckets("rules-it"))
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	bucket, err := js.KeyValue(ctx, "rules-it")
	require.NoError(t, err)

	kv := tc.Client.NewKVStore(bucket)

	rev, err := kv.Create(ctx, "rule-a", []byte(`{"name":"rule-a"}`))
	require.NoError(t, err)
	require.NotZero(t, rev)

	_, err = kv.Create(ctx, "rule-a", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsKVConflictError(err), "create-if-absent must reject duplicates")

	entry, err := kv.Get(ctx, "rule-a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"rule-a"}`), entry.Value)

	_, err = kv.Update(ctx, "rule-a", []byte(`{"v":2}`), entry.Revision)
	require.NoError(t, err)

	require.NoError(t, kv.Delete(ctx, "rule-a"))
	_, err = kv.Get(ctx, "rule-a")
	assert.True(t, IsKVNotFoundError(err))
}

func TestIntegration_DurableConsumerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "INGEST_IT",
		Subjects: []string{"ingest.it.>"},
	})
	require.NoError(t, err)

	_, err = tc.Client.CreateConsumer(ctx, "INGEST_IT", jetstream.ConsumerConfig{
		Durable:       "dispatch-it",
		FilterSubject: "ingest.it.records",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStream(ctx, "ingest.it.records", []byte("r1")))

	cons, err := tc.Client.Consumer(ctx, "INGEST_IT", "dispatch-it")
	require.NoError(t, err)

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	var got [][]byte
	for msg := range batch.Messages() {
		got = append(got, msg.Data())
		require.NoError(t, msg.Ack())
	}
	require.Len(t, got, 1)
	assert.Equal(t, []byte("r1"), got[0])

	require.NoError(t, tc.Client.DeleteConsumer(ctx, "INGEST_IT", "dispatch-it"))
	_, err = tc.Client.Consumer(ctx, "INGEST_IT", "dispatch-it")
	require.Error(t, err)
}
