// Package relay carries workflow events over NATS JetStream so that the
// process terminating a round or settlement does not have to hold the
// WebSocket connection of every recipient. The publisher side implements the
// same notification contract the engines already consume; the consumer side
// feeds a local connection manager.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/events"
)

// Envelope wraps an event with its addressing. Members is set for room
// broadcasts, UID for direct sends; exactly one of the two is non-empty.
type Envelope struct {
	UID     string       `json:"uid,omitempty"`
	Members []string     `json:"members,omitempty"`
	Event   events.Event `json:"event"`
}

// JetStreamConfig holds the stream settings shared by publisher and consumer.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
	MaxMsgs       int64
	Replicas      int
}

// DefaultJetStreamConfig returns the default stream settings.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SATOPON_EVENTS",
		SubjectPrefix: "satopon.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        24 * time.Hour,
		MaxMsgs:       -1,
		Replicas:      1,
	}
}

func connect(cfg JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

// Publisher pushes event envelopes into JetStream. It satisfies the engines'
// notification contract; delivery to individual users is best effort and
// resolved on the consuming side, so Send always reports true once the event
// is in the stream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(cfg JetStreamConfig) (*Publisher, error) {
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	p := &Publisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    p.config.MaxAge,
		MaxMsgs:   p.config.MaxMsgs,
		Storage:   jetstream.FileStorage,
		Replicas:  p.config.Replicas,
	}

	if _, err := p.js.Stream(ctx, p.config.StreamName); err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
	}
	return nil
}

// Send publishes a direct event for one user.
func (p *Publisher) Send(uid string, ev events.Event) bool {
	if err := p.publish(Envelope{UID: uid, Event: ev}); err != nil {
		log.Error().Err(err).Str("uid", uid).Str("type", string(ev.Type)).Msg("failed to publish direct event")
		return false
	}
	return true
}

// Broadcast publishes a room event addressed to the listed members.
func (p *Publisher) Broadcast(members []string, ev events.Event) {
	if err := p.publish(Envelope{Members: members, Event: ev}); err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to publish broadcast event")
	}
}

func (p *Publisher) publish(env Envelope) error {
	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, env.Event.Type)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ack, err := p.js.PublishMsg(context.Background(), &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(env.Event.Type)},
			"Room-ID":    []string{env.Event.RoomID},
			"Event-ID":   []string{env.Event.ID},
		},
	},
		jetstream.WithMsgID(env.Event.ID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", env.Event.ID).
		Uint64("sequence", ack.Sequence).
		Msg("event published")

	return nil
}

// Close shuts down the NATS connection.
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
