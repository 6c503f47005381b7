package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/match/outbox/worker"
)

type JetStreamConsumerConfig struct {
	Stream        worker.JetStreamConfig
	ConsumerName  string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		Stream:        worker.DefaultJetStreamConfig(),
		ConsumerName:  "match-gateway",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// EventConsumer reads relayed envelopes from JetStream and hands them to the
// connection manager.
type EventConsumer struct {
	connections *ConnectionManager
	nc          *nats.Conn
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	config      JetStreamConsumerConfig
}

func NewEventConsumer(cm *ConnectionManager, config JetStreamConsumerConfig) (*EventConsumer, error) {
	nc, err := worker.Connect(config.Stream, config.ConsumerName)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ec := &EventConsumer{connections: cm, nc: nc, js: js, config: config}
	if err := ec.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	if err := worker.EnsureStream(ctx, ec.js, ec.config.Stream); err != nil {
		return err
	}
	stream, err := ec.js.Stream(ctx, ec.config.Stream.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	// New messages only: a reconnecting client resyncs from the snapshot.
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Match gateway websocket fan-out",
		FilterSubject: ec.config.Stream.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.Stream.StreamName).
		Msg("JetStream consumer ready")
	ec.consumer = consumer
	return nil
}

// Start consumes until ctx is done.
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.Stream.StreamName).
		Msg("starting JetStream event consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := ec.processMessage(msg.Data()); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
				// A malformed envelope never becomes valid, so it is not redelivered.
				if termErr := msg.Term(); termErr != nil {
					log.Error().Err(termErr).Msg("failed to TERM message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (ec *EventConsumer) processMessage(data []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return Deliver(ec.connections, env)
}

// Deliver validates env and queues it for broadcast. It doubles as the sink of
// an in-process outbox publisher.
func Deliver(cm *ConnectionManager, env events.Envelope) error {
	if env.SessionID == "" || env.EventType == "" {
		return fmt.Errorf("incomplete envelope %q", env.EventID)
	}
	log.Debug().
		Str("event_id", env.EventID).
		Str("session_id", env.SessionID).
		Str("event_type", string(env.EventType)).
		Int64("state_version", env.StateVersion).
		Msg("delivering envelope")
	return cm.Broadcast(env)
}

func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.nc != nil {
		ec.nc.Close()
	}
	return nil
}

func (ec *EventConsumer) Conn() *nats.Conn {
	return ec.nc
}
