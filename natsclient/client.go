package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yjpa7145/cumulus/errors"
)

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client manages a NATS connection and its JetStream context
type Client struct {
	url    string
	logger *slog.Logger

	// Connection options
	clientName    string
	username      string
	password      string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "natsclient"),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(_ context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "initialize JetStream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Close drains subscriptions and closes the connection
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	drainDone := make(chan error, 1)
	conn := c.conn
	go func() { drainDone <- conn.Drain() }()

	select {
	case err := <-drainDone:
		if err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
	case <-time.After(c.drainTimeout):
		errs = append(errs, errors.WrapTransient(nil, "Client", "Close", "drain timeout"))
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
	}

	c.conn.Close()
	c.conn = nil
	c.js = nil

	return stderrors.Join(errs...)
}

// Publish publishes a message to a core NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// Subscribe subscribes to a core NATS subject. Each handler invocation
// receives a context derived from ctx with a 30 second processing timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// SubscribeRequest subscribes to a request-reply subject. The handler's
// return value is sent back to the requester; a nil return sends no
// reply.
func (c *Client) SubscribeRequest(ctx context.Context, subject string, handler func(context.Context, []byte) []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		resp := handler(msgCtx, msg.Data)
		if resp == nil || msg.Reply == "" {
			return
		}
		if err := msg.Respond(resp); err != nil {
			c.logger.Warn("reply failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "SubscribeRequest", "subscribe to "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// PublishToStream publishes to a JetStream subject with ack
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish to "+subject)
	}
	return nil
}

// EnsureStream creates or updates a JetStream stream
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	return stream, nil
}

// CreateConsumer creates a durable consumer on a stream
func (c *Client) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateConsumer",
			"create consumer "+cfg.Durable+" on "+stream)
	}
	return consumer, nil
}

// Consumer looks up an existing consumer on a stream
func (c *Client) Consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.Consumer(ctx, stream, name)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Consumer",
			"lookup consumer "+name+" on "+stream)
	}
	return consumer, nil
}

// DeleteConsumer removes a durable consumer from a stream
func (c *Client) DeleteConsumer(ctx context.Context, stream, name string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if err := js.DeleteConsumer(ctx, stream, name); err != nil {
		return errors.WrapTransient(err, "Client", "DeleteConsumer",
			"delete consumer "+name+" on "+stream)
	}
	return nil
}

// CreateKeyValueBucket creates or opens a KV bucket
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	// Open first so repeated startups reuse the existing bucket.
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			"create bucket "+cfg.Bucket)
	}
	return bucket, nil
}

// CreateObjectStoreBucket creates or opens an ObjectStore bucket
func (c *Client) CreateObjectStoreBucket(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.ObjectStore(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateObjectStore(ctx, cfg)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			return js.ObjectStore(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "CreateObjectStoreBucket",
			"create bucket "+cfg.Bucket)
	}
	return bucket, nil
}
