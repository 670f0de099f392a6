package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/yjpa7145/cumulus/binding"
	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
	"github.com/yjpa7145/cumulus/rule"
)

// Envelope wraps a record republished to the fallback subject. Record
// carries the raw inbound bytes untouched, so the retry goes through
// the exact same decode path as the original delivery.
type Envelope struct {
	Retried bool   `json:"retried"`
	Trigger string `json:"trigger"`
	Record  []byte `json:"record"`
}

// Publisher publishes fallback envelopes.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// BindingSource reports the live stream bindings to poll.
type BindingSource interface {
	Bindings() []binding.ActiveBinding
}

// Config tunes the consumer pipeline.
type Config struct {
	Stream          string
	FallbackSubject string
	TopicSubject    string
	BatchSize       int
	Concurrency     int
	BatchTimeout    time.Duration
	PollInterval    time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Consumer runs the ingest side: it polls the dispatch consumer of
// every live binding, processes record batches concurrently, and serves
// the fallback and topic subscriptions.
type Consumer struct {
	client     *natsclient.Client
	fallback   Publisher
	validator  *Validator
	dispatcher *Dispatcher
	bindings   BindingSource
	cfg        Config
	logger     *slog.Logger
	metrics    *Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running map[string]bool
}

// NewConsumer creates the consumer pipeline. The client may be nil when
// only Process and ProcessBatch are exercised; fallback must then still
// be set for the retry path.
func NewConsumer(client *natsclient.Client, fallback Publisher, validator *Validator,
	dispatcher *Dispatcher, bindings BindingSource, cfg Config,
	logger *slog.Logger, metrics *Metrics) *Consumer {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:     client,
		fallback:   fallback,
		validator:  validator,
		dispatcher: dispatcher,
		bindings:   bindings,
		cfg:        cfg,
		logger:     logger.With("component", "Consumer"),
		metrics:    metrics,
		running:    make(map[string]bool),
	}
}

// Start subscribes the fallback and topic subjects and begins polling
// binding consumers. It returns once the pipeline is running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err := c.client.Subscribe(runCtx, c.cfg.FallbackSubject, c.handleFallback); err != nil {
		cancel()
		return errors.Wrap(err, "Consumer", "Start", "subscribe fallback subject")
	}
	if c.cfg.TopicSubject != "" {
		if err := c.client.Subscribe(runCtx, c.cfg.TopicSubject, c.handleTopic); err != nil {
			cancel()
			return errors.Wrap(err, "Consumer", "Start", "subscribe topic subject")
		}
	}

	c.cancel = cancel
	c.started = true
	c.wg.Add(1)
	go c.supervise(runCtx)

	c.logger.Info("consumer started", "stream", c.cfg.Stream,
		"fallbackSubject", c.cfg.FallbackSubject, "batchSize", c.cfg.BatchSize)
	return nil
}

// Stop halts polling and waits for in-flight batches, up to the
// context deadline.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return errors.ErrNotStarted
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Consumer", "Stop",
			"wait for in-flight batches")
	}
}

// supervise keeps one fetch loop alive per live binding. Bindings come
// and go with rule mutations, so the set is re-read every poll.
func (c *Consumer) supervise(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, ab := range c.bindings.Bindings() {
			ref := ab.Binding.Ref
			if ref == "" {
				continue
			}
			c.mu.Lock()
			if !c.running[ref] {
				c.running[ref] = true
				c.wg.Add(1)
				go c.runBinding(ctx, ref, ab.Value)
			}
			c.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runBinding fetches batches from one dispatch consumer until the
// context ends or the consumer disappears.
func (c *Consumer) runBinding(ctx context.Context, ref, value string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.running, ref)
		c.mu.Unlock()
	}()

	cons, err := c.client.Consumer(ctx, c.cfg.Stream, ref)
	if err != nil {
		c.logger.Warn("binding consumer unavailable", "ref", ref, "subject", value,
			"error", err)
		return
	}
	c.logger.Info("polling binding", "ref", ref, "subject", value)

	for ctx.Err() == nil {
		batch, err := cons.Fetch(c.cfg.BatchSize,
			jetstream.FetchMaxWait(c.cfg.PollInterval))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, jetstream.ErrConsumerNotFound) {
				c.logger.Info("binding released, stopping poll", "ref", ref)
				return
			}
			c.logger.Warn("fetch failed", "ref", ref, "error", err)
			time.Sleep(c.cfg.PollInterval)
			continue
		}

		var msgs []jetstream.Msg
		var raws [][]byte
		for msg := range batch.Messages() {
			msgs = append(msgs, msg)
			raws = append(raws, msg.Data())
		}
		if batch.Error() != nil {
			c.logger.Warn("batch aborted", "ref", ref, "error", batch.Error())
		}
		if len(msgs) == 0 {
			continue
		}

		errs := c.ProcessBatch(ctx, raws, rule.TypeStream)
		for i, msg := range msgs {
			if errs[i] != nil {
				if err := msg.Nak(); err != nil {
					c.logger.Warn("nak failed", "ref", ref, "error", err)
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				c.logger.Warn("ack failed", "ref", ref, "error", err)
			}
		}
	}
}

// ProcessBatch processes a batch of raw records concurrently, bounded
// by the configured concurrency and batch timeout. Records are
// independent; the returned slice holds the outcome per record in input
// order.
func (c *Consumer) ProcessBatch(ctx context.Context, raws [][]byte, trigger rule.Type) []error {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	errs := make([]error, len(raws))
	for i, raw := range raws {
		g.Go(func() error {
			errs[i] = c.Process(bctx, raw, trigger, false)
			return nil
		})
	}
	// Workers always return nil; per-record outcomes land in errs.
	_ = g.Wait()
	return errs
}

// Process handles one raw record. Primary failures republish the exact
// raw record to the fallback subject and report success, so the source
// delivery is settled. Failures on a fallback-delivered record are
// terminal.
func (c *Consumer) Process(ctx context.Context, raw []byte, trigger rule.Type, retried bool) error {
	c.observeRecord(trigger, retried)

	procErr := c.process(ctx, raw, trigger)
	if procErr == nil {
		return nil
	}

	if retried {
		if c.metrics != nil {
			c.metrics.terminalFailures.Inc()
		}
		c.logger.Error("record failed after fallback delivery", "trigger", trigger,
			"error", procErr)
		return errors.Wrap(procErr, "Consumer", "Process", "process retried record")
	}

	env := Envelope{Retried: true, Trigger: string(trigger), Record: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Join(procErr,
			errors.WrapFatal(err, "Consumer", "Process", "encode fallback envelope"))
	}
	if err := c.fallback.Publish(ctx, c.cfg.FallbackSubject, data); err != nil {
		return errors.Join(procErr,
			errors.WrapTransient(err, "Consumer", "Process", "publish fallback record"))
	}
	if c.metrics != nil {
		c.metrics.fallbackRecords.Inc()
	}
	c.logger.Warn("record sent to fallback", "trigger", trigger, "error", procErr)
	return nil
}

func (c *Consumer) process(ctx context.Context, raw []byte, trigger rule.Type) error {
	rec, err := c.validator.Validate(raw)
	if err != nil {
		if c.metrics != nil {
			c.metrics.invalidRecords.Inc()
		}
		return err
	}
	_, err = c.dispatcher.Dispatch(ctx, rec, trigger)
	return err
}

func (c *Consumer) observeRecord(trigger rule.Type, retried bool) {
	if c.metrics == nil {
		return
	}
	origin := string(trigger)
	if retried {
		origin = "fallback"
	}
	c.metrics.records.WithLabelValues(origin).Inc()
}

func (c *Consumer) handleFallback(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("malformed fallback envelope", "error", err)
		return
	}
	trigger := rule.Type(env.Trigger)
	if trigger == "" {
		trigger = rule.TypeStream
	}
	if err := c.Process(ctx, env.Record, trigger, env.Retried); err != nil {
		c.logger.Error("fallback record dropped", "error", err)
	}
}

func (c *Consumer) handleTopic(ctx context.Context, data []byte) {
	if err := c.Process(ctx, data, rule.TypeTopic, false); err != nil {
		c.logger.Error("topic record failed", "error", err)
	}
}

var _ Publisher = (*natsclient.Client)(nil)
