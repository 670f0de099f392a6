package consumer

import (
	"context"

	"github.com/yjpa7145/cumulus/natsclient"
)

// JetStreamQueue submits execution messages as persistent stream
// publishes, so a workflow start survives a broker restart.
type JetStreamQueue struct {
	client *natsclient.Client
}

// NewJetStreamQueue creates a queue over the given client.
func NewJetStreamQueue(client *natsclient.Client) *JetStreamQueue {
	return &JetStreamQueue{client: client}
}

func (q *JetStreamQueue) Submit(ctx context.Context, subject string, body []byte) error {
	return q.client.PublishToStream(ctx, subject, body)
}

var _ Queue = (*JetStreamQueue)(nil)
