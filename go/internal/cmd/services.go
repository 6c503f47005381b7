package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/archive"
	"github.com/mcdev12/stakechess/go/internal/match/gateway"
	"github.com/mcdev12/stakechess/go/internal/match/outbox"
	"github.com/mcdev12/stakechess/go/internal/match/outbox/worker"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/match/sweeper"
	"github.com/mcdev12/stakechess/go/internal/rules"
)

// Outbox modes. inline relays to websockets in this process, jetstream relays
// to NATS from this process, external leaves relaying to the outbox binary.
const (
	outboxInline    = "inline"
	outboxJetStream = "jetstream"
	outboxExternal  = "external"
)

type Services struct {
	Auth        *auth.Authenticator
	Coordinator *match.Coordinator
	Match       *match.Service
	Sweeper     *sweeper.Sweeper

	Relay    *outbox.Relay
	Counters *outbox.Counters
	NATS     *nats.Conn
	Gateway  *gateway.Service
	Archiver *archive.Archiver

	closers []func()
}

func setupServices(ctx context.Context, store repository.Store, cfg *Config, clock clockwork.Clock, secret []byte) (*Services, error) {
	// Wire up dependency injection chain
	// Store → Coordinator → Service, with the sweeper, relay and archive hanging off it
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	s := &Services{Auth: auth.NewAuthenticator(secret, clock)}
	s.Coordinator = match.NewCoordinator(store, rules.NewNotnilEngine(), clock, policy)
	s.Match = match.NewService(s.Coordinator)
	s.Sweeper = sweeper.New(s.Coordinator, store, clock, cfg.SweeperConfig(policy))

	if err := s.setupOutbox(store, clock); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.setupArchive(ctx, store, clock); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) setupOutbox(store repository.Store, clock clockwork.Clock) error {
	mode := getEnv("OUTBOX_MODE", outboxInline)
	relayCfg := outbox.DefaultConfig()
	s.Counters = outbox.NewCounters()

	switch mode {
	case outboxInline:
		gw, err := gateway.NewService(gateway.Config{Connection: gateway.DefaultConnectionConfig(), Inline: true}, s.Coordinator, s.Auth)
		if err != nil {
			return err
		}
		s.Gateway = gw
		// No NOTIFY in this mode, so poll often.
		relayCfg.PollInterval = s.Coordinator.Policy().SweepInterval / 4
		s.Relay = outbox.NewRelay(store, outbox.NewLocalPublisher(gw.Deliver, clock), clock, relayCfg, s.Counters)

	case outboxJetStream:
		jsCfg := worker.DefaultJetStreamConfig()
		jsCfg.URL = getEnv("NATS_URL", jsCfg.URL)
		publisher, err := worker.NewJetStreamPublisher(jsCfg, clock)
		if err != nil {
			return err
		}
		s.NATS = publisher.Conn()
		s.closers = append(s.closers, func() { publisher.Close() })
		s.Relay = outbox.NewRelay(store, publisher, clock, relayCfg, s.Counters)

	case outboxExternal:

	default:
		return fmt.Errorf("unknown OUTBOX_MODE %q", mode)
	}

	log.Info().Str("mode", mode).Msg("outbox configured")
	return nil
}

func (s *Services) setupArchive(ctx context.Context, store repository.Store, clock clockwork.Clock) error {
	cfg := archive.ConfigFromEnv()
	if !cfg.Enabled() {
		return nil
	}
	client, err := archive.NewS3Client(ctx, cfg)
	if err != nil {
		return err
	}
	s.Archiver = archive.New(client, store, clock, cfg)
	s.Coordinator.Observe(s.Archiver.Observe)
	log.Info().Str("bucket", cfg.Bucket).Msg("match archive enabled")
	return nil
}

// Run starts the background workers and blocks until ctx is done.
func (s *Services) Run(ctx context.Context) error {
	if s.Relay != nil {
		if err := s.Relay.Start(ctx); err != nil {
			return err
		}
		defer s.Relay.Stop()
	}
	if s.Gateway != nil {
		go s.Gateway.Start(ctx)
	}
	if s.Archiver != nil {
		go s.Archiver.Run(ctx)
	}
	return s.Sweeper.Run(ctx)
}

func (s *Services) Close() {
	for _, fn := range s.closers {
		fn()
	}
}
