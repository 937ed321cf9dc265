// Package hub implements the Hub Sender (C6): a bounded queue draining
// into size/interval-batched JSON arrays published over MQTT, standing in
// for an IoT-cloud device/module endpoint — the idiomatic Go shape for a
// message-hub client given paho.mqtt.golang is the pack's only library
// built for this concern.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/metrics"
)

// MessageSizeMax is the hard ceiling a configured Config.MessageSize is
// clamped to (§4.6/§6's HubMessageSizeMax).
const MessageSizeMax = 256 * 1024

// Config holds the Hub Sender's recognised configuration options (§6).
type Config struct {
	QueueCapacity          int // MonitoredItemsQueueCapacity, >= 1024
	MessageSize            int // HubMessageSize, clamped to MessageSizeMax; 0 = send immediately
	SendInterval           time.Duration
	MaxConsecutiveFailures int
	BackoffMin             time.Duration
	BackoffMax             time.Duration

	BrokerURL      string
	ClientID       string
	Topic          string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity < 1024 {
		c.QueueCapacity = 1024
	}
	if c.MessageSize < 0 {
		c.MessageSize = 0
	}
	if c.MessageSize > MessageSizeMax {
		c.MessageSize = MessageSizeMax
	}
	if c.SendInterval <= 0 {
		c.SendInterval = time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// Sender owns the bounded queue and the single background goroutine that
// batches and publishes it (§5: "one Hub Sender task"). It implements
// internal/subscription.HubPublisher and internal/health.Checkable.
type Sender struct {
	cfg     Config
	client  paho.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	queue chan interface{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	connected atomic.Bool
}

// New constructs a Sender and its underlying MQTT client, mirroring the
// teacher's mqtt.Subscriber option wiring but as a publisher.
func New(cfg Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Sender {
	cfg.applyDefaults()
	l := logger.With().Str("component", "hub-sender").Logger()

	s := &Sender{
		cfg:     cfg,
		logger:  l,
		metrics: metricsReg,
		queue:   make(chan interface{}, cfg.QueueCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.BackoffMin).
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	s.client = paho.NewClient(opts)
	return s
}

func (s *Sender) onConnect(paho.Client) {
	s.connected.Store(true)
	s.logger.Info().Msg("hub sender connected")
}

func (s *Sender) onConnectionLost(_ paho.Client, err error) {
	s.connected.Store(false)
	s.logger.Warn().Err(err).Msg("hub sender connection lost")
}

// Start connects to the broker and launches the batching goroutine.
func (s *Sender) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.started.Store(false)
		return fmt.Errorf("hub: connect timeout")
	}
	if err := token.Error(); err != nil {
		s.started.Store(false)
		return fmt.Errorf("hub: connect failed: %w", err)
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Info().Str("broker", s.cfg.BrokerURL).Str("topic", s.cfg.Topic).Msg("hub sender started")
	return nil
}

// Stop signals the batching goroutine to flush whatever is already queued
// and disconnect, bounded by ctx (cmd/publisher passes a fixed 30-second
// shutdown context; the bound is not configurable).
func (s *Sender) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("timed out draining hub sender")
	}

	s.client.Disconnect(250)
	s.started.Store(false)
	return nil
}

// Healthy implements health.Checkable.
func (s *Sender) Healthy() bool {
	return s.connected.Load() && s.client.IsConnected()
}

// EnqueueValue implements internal/subscription.HubPublisher: a
// non-blocking send that reports false (and lets the caller count a
// drop) when the queue is already full, per §4.5's "the stack callback
// must never block" and §8's "queue full drops the oldest incoming
// notification" (the newly-arriving one, not one already queued).
func (s *Sender) EnqueueValue(payload map[string]interface{}) bool {
	return s.enqueue(payload)
}

// EnqueueEvent implements internal/subscription.HubPublisher.
func (s *Sender) EnqueueEvent(rec domain.EventMessageRecord) bool {
	return s.enqueue(rec)
}

func (s *Sender) enqueue(v interface{}) bool {
	select {
	case s.queue <- v:
		if s.metrics != nil {
			s.metrics.HubQueueDepth.Set(float64(len(s.queue)))
		}
		return true
	default:
		return false
	}
}

// run is the batching/sending loop (§4.6): two triggers release a batch,
// accumulated size crossing MessageSize or SendInterval elapsing: a
// MessageSize of 0 disables batching entirely.
func (s *Sender) run() {
	defer s.wg.Done()

	var batch []json.RawMessage
	sumLen := 0 // sum of raw element byte lengths currently in batch, excluding array framing

	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.sendBatch(batch)
		batch = nil
		sumLen = 0
	}

	// frameSize is the exact byte length json.Marshal produces for n
	// compact-encoded elements whose raw lengths sum to sum: the n-1
	// interior commas plus the two enclosing brackets.
	frameSize := func(n, sum int) int {
		if n == 0 {
			return 0
		}
		return sum + n + 1
	}

	accept := func(item interface{}) {
		raw, err := json.Marshal(item)
		if err != nil {
			s.logger.Error().Err(err).Msg("marshal telemetry record failed")
			return
		}

		if s.cfg.MessageSize == 0 {
			s.sendBatch([]json.RawMessage{raw})
			return
		}

		projected := frameSize(len(batch)+1, sumLen+len(raw))
		if len(batch) > 0 && projected > s.cfg.MessageSize {
			flush()
			projected = frameSize(1, len(raw))
		}
		if projected > s.cfg.MessageSize && len(batch) == 0 {
			s.logger.Warn().Int("recordBytes", len(raw)).Int("limitBytes", s.cfg.MessageSize).
				Msg("telemetry record exceeds hub message size, sending alone")
			s.sendBatch([]json.RawMessage{raw})
			return
		}
		batch = append(batch, raw)
		sumLen += len(raw)
	}

	for {
		select {
		case <-s.ctx.Done():
		drain:
			for {
				select {
				case item, ok := <-s.queue:
					if !ok {
						break drain
					}
					accept(item)
				default:
					break drain
				}
			}
			flush()
			return

		case item, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			accept(item)
			if s.metrics != nil {
				s.metrics.HubQueueDepth.Set(float64(len(s.queue)))
			}

		case <-ticker.C:
			flush()
		}
	}
}

// sendBatch frames items as a JSON array and publishes it, retrying on
// transport failure with exponential backoff (min/max from Config) and
// dropping the batch as lost after MaxConsecutiveFailures (§4.6).
func (s *Sender) sendBatch(items []json.RawMessage) {
	payload, err := json.Marshal(items)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal hub batch failed")
		return
	}

	// batchID only ever appears in log lines, never on the wire: the
	// published payload stays a bare JSON array of records, but retries
	// and the eventual loss of a batch are easier to follow across log
	// lines when they share one correlation id.
	batchID := uuid.NewString()
	start := time.Now()
	backoff := s.cfg.BackoffMin

	for attempt := 0; attempt < s.cfg.MaxConsecutiveFailures; attempt++ {
		token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
		if token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() == nil {
			if s.metrics != nil {
				s.metrics.HubBatchesSent.Inc()
				s.metrics.HubBatchDuration.Observe(time.Since(start).Seconds())
			}
			return
		}

		if s.metrics != nil {
			s.metrics.HubBatchesFailed.Inc()
		}
		s.logger.Warn().Str("batchId", batchID).Int("attempt", attempt+1).Int("items", len(items)).Msg("hub publish failed, retrying")

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}

	if s.metrics != nil {
		s.metrics.HubBatchesLost.Inc()
	}
	s.logger.Error().Str("batchId", batchID).Int("items", len(items)).Msg("hub batch dropped after exhausting retries")
}
