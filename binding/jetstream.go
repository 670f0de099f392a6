package binding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
)

// JetStreamProvisioner provisions bindings as durable pull consumers on
// the ingest stream, filtered to the trigger value's subject.
type JetStreamProvisioner struct {
	client *natsclient.Client
	stream string
	logger *slog.Logger
}

// NewJetStreamProvisioner creates a provisioner bound to the named
// ingest stream.
func NewJetStreamProvisioner(client *natsclient.Client, stream string, logger *slog.Logger) *JetStreamProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamProvisioner{
		client: client,
		stream: stream,
		logger: logger.With("component", "JetStreamProvisioner"),
	}
}

// Create provisions a durable consumer for the trigger value. The
// returned reference is the durable name, unique per provisioned
// consumer so re-provisioning a value never reuses old state.
func (p *JetStreamProvisioner) Create(ctx context.Context, value string, role Role) (string, error) {
	name := string(role) + "-" + uuid.NewString()
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: value,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	}
	if _, err := p.client.CreateConsumer(ctx, p.stream, cfg); err != nil {
		return "", errors.WrapTransient(err, "JetStreamProvisioner", "Create",
			"create "+string(role)+" consumer for "+value)
	}
	p.logger.Debug("consumer provisioned", "stream", p.stream, "name", name,
		"subject", value, "role", role)
	return name, nil
}

// Delete removes the durable consumer behind a binding reference.
func (p *JetStreamProvisioner) Delete(ctx context.Context, value, ref string) error {
	if err := p.client.DeleteConsumer(ctx, p.stream, ref); err != nil {
		return errors.WrapTransient(err, "JetStreamProvisioner", "Delete",
			"delete consumer "+ref+" for "+value)
	}
	p.logger.Debug("consumer removed", "stream", p.stream, "name", ref, "subject", value)
	return nil
}

var _ Provisioner = (*JetStreamProvisioner)(nil)
