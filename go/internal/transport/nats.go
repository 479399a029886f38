package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/events"
)

// JetStreamConfig holds configuration for the JetStream transport, used by
// headless bot fleets that subscribe to session events on the lab's message
// bus instead of the websocket edge.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g. "session.events.<session-id>.>"
	MaxDeliver    int           // max delivery attempts
	AckWait       time.Duration // how long to wait for ack
	MaxAckPending int           // max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns default JetStream transport configuration
// for one session.
func DefaultJetStreamConfig(sessionID string) JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SESSION_EVENTS",
		ConsumerName:  "labclient-" + sessionID,
		SubjectFilter: fmt.Sprintf("session.events.%s.>", sessionID),
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamConsumer is the NATS Transport. At-least-once semantics come from
// explicit acks: a message that fails to parse or enqueue is nak'd and
// redelivered, and the session-level deduper absorbs the duplicates.
type JetStreamConsumer struct {
	config   JetStreamConfig
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer

	eventCh     chan events.Envelope
	reconnectCh chan struct{}
}

// NewJetStreamConsumer connects to NATS and binds the durable consumer.
func NewJetStreamConsumer(config JetStreamConfig) (*JetStreamConsumer, error) {
	c := &JetStreamConsumer{
		config:      config,
		eventCh:     make(chan events.Envelope, 256),
		reconnectCh: make(chan struct{}, 1),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			select {
			case c.reconnectCh <- struct{}{}:
			default:
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c.nc = nc
	c.js = js

	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *JetStreamConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "tradelab client session event consumer",
		FilterSubject: c.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Events implements Transport.
func (c *JetStreamConsumer) Events() <-chan events.Envelope { return c.eventCh }

// Reconnects implements Transport.
func (c *JetStreamConsumer) Reconnects() <-chan struct{} { return c.reconnectCh }

// Start begins consuming session events until the context is cancelled.
func (c *JetStreamConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("starting JetStream transport")

	// The bound consumer counts as an established connection.
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		if err := c.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject()).
				Msg("failed to process message")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
		log.Info().Msg("JetStream transport shutting down")
	}()
	return nil
}

func (c *JetStreamConsumer) processMessage(ctx context.Context, msg jetstream.Msg) error {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	log.Debug().
		Str("event_id", envelope.ID).
		Str("session_id", envelope.SessionID).
		Str("event_type", string(envelope.Type)).
		Str("subject", msg.Subject()).
		Msg("received JetStream event")

	select {
	case c.eventCh <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the NATS connection down.
func (c *JetStreamConsumer) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
