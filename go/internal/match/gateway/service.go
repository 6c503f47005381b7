// Package gateway pushes session deltas to websocket subscribers and serves
// snapshots for clients that need to resync.
package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match/events"
)

type Config struct {
	Connection ConnectionConfig
	JetStream  JetStreamConsumerConfig
	// Inline skips JetStream; envelopes arrive through Service.Deliver.
	Inline bool
}

type Service struct {
	connections *ConnectionManager
	consumer    *EventConsumer
	ws          *WebSocketHandler
	state       *StateHandler
}

func NewService(cfg Config, snapshots SnapshotProvider, a *auth.Authenticator) (*Service, error) {
	cm := NewConnectionManager(cfg.Connection, snapshots)
	s := &Service{
		connections: cm,
		ws:          NewWebSocketHandler(cm, a),
		state:       NewStateHandler(snapshots, a),
	}
	if !cfg.Inline {
		consumer, err := NewEventConsumer(cm, cfg.JetStream)
		if err != nil {
			return nil, err
		}
		s.consumer = consumer
	}
	return s, nil
}

// Start runs the connection manager and, when configured, the JetStream consumer.
// It returns when ctx is done or the consumer fails.
func (s *Service) Start(ctx context.Context) error {
	go s.connections.Start(ctx)

	if s.consumer == nil {
		<-ctx.Done()
		return nil
	}
	defer s.consumer.Stop()
	if err := s.consumer.Start(ctx); err != nil {
		log.Error().Err(err).Msg("event consumer stopped")
		return err
	}
	return nil
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.ws.RegisterRoutes(mux)
	s.state.RegisterStateRoutes(mux)
}

// Deliver queues env for broadcast. Used as the inline outbox sink.
func (s *Service) Deliver(env events.Envelope) error {
	return Deliver(s.connections, env)
}

func (s *Service) Connections() *ConnectionManager {
	return s.connections
}
