package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/events"
)

// Sink is the local delivery surface the consumer feeds, implemented by the
// WebSocket connection manager.
type Sink interface {
	Send(uid string, ev events.Event) bool
	Broadcast(members []string, ev events.Event)
}

// ConsumerConfig holds the durable consumer settings.
type ConsumerConfig struct {
	ConsumerName  string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultConsumerConfig returns the default consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		ConsumerName:  "satopon-gateway",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// Consumer pulls event envelopes from JetStream and hands them to the sink.
type Consumer struct {
	sink     Sink
	js       jetstream.JetStream
	consumer jetstream.Consumer
	stream   JetStreamConfig
	config   ConsumerConfig
	close    func()
}

// NewConsumer connects to NATS and ensures the durable consumer exists. The
// stream config must match the publisher's.
func NewConsumer(sink Sink, stream JetStreamConfig, cfg ConsumerConfig) (*Consumer, error) {
	nc, js, err := connect(stream)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		sink:   sink,
		js:     js,
		stream: stream,
		config: cfg,
		close:  nc.Close,
	}
	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.stream.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          c.config.ConsumerName,
			Durable:       c.config.ConsumerName,
			FilterSubject: fmt.Sprintf("%s.>", c.stream.SubjectPrefix),
			DeliverPolicy: jetstream.DeliverNewPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    c.config.MaxDeliver,
			AckWait:       c.config.AckWait,
			MaxAckPending: c.config.MaxAckPending,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.stream.StreamName).
			Msg("created JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.stream.StreamName).
		Msg("starting event consumer")

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		if err := c.deliver(msg); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to deliver event")
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

	<-ctx.Done()
	consumeCtx.Stop()
	log.Info().Msg("event consumer shutting down")
	return nil
}

func (c *Consumer) deliver(msg jetstream.Msg) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	if env.UID != "" {
		c.sink.Send(env.UID, env.Event)
		return nil
	}
	c.sink.Broadcast(env.Members, env.Event)
	return nil
}

// Close shuts down the NATS connection.
func (c *Consumer) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}
