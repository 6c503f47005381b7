// Package outbox relays committed session deltas from the outbox table to the
// push channel. Delivery is at least once; consumers drop stale versions.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Publisher delivers one outbox event to the push channel.
type Publisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   200 * time.Millisecond,
	}
}

// Relay drains unsent outbox rows through a Publisher.
type Relay struct {
	source    repository.OutboxSource
	publisher Publisher
	metrics   MetricsCollector
	clock     clockwork.Clock
	config    Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRelay(source repository.OutboxSource, publisher Publisher, clock clockwork.Clock, cfg Config, metrics MetricsCollector) *Relay {
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		config:    cfg,
	}
}

// Start polls the outbox every PollInterval until Stop or ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().
		Dur("poll_interval", r.config.PollInterval).
		Int("batch_size", r.config.BatchSize).
		Msg("outbox relay started")
	return nil
}

func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay not running")
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	log.Info().Msg("outbox relay stopped")
	return nil
}

func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	if _, err := r.ProcessBatch(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process outbox batch")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			if _, err := r.ProcessBatch(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process outbox batch")
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize unsent events in creation order and
// returns how many were delivered.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	start := r.clock.Now()
	events, err := r.source.FetchUnsentOutbox(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	r.metrics.RecordOutboxLag(len(events))
	if len(events) == 0 {
		return 0, nil
	}

	sent := 0
	for _, event := range events {
		if err := r.deliver(ctx, event); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("failed to relay outbox event")
			continue
		}
		sent++
	}

	r.metrics.RecordBatchProcessed(sent, r.clock.Since(start))
	log.Debug().
		Int("total", len(events)).
		Int("successful", sent).
		Msg("processed outbox events")
	return sent, nil
}

// Handle relays the single event named by a notification. Events already sent
// are skipped.
func (r *Relay) Handle(ctx context.Context, id uuid.UUID) error {
	event, err := r.source.FetchOutboxByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	return r.deliver(ctx, *event)
}

func (r *Relay) deliver(ctx context.Context, event models.OutboxEvent) error {
	start := r.clock.Now()
	err := r.publishWithRetry(ctx, event)
	r.metrics.RecordEventProcessed(event.EventType, err == nil, r.clock.Since(start))
	if err != nil {
		if markErr := r.source.MarkOutboxFailed(ctx, event.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.ID.String()).Msg("failed to record outbox failure")
		}
		return err
	}

	if err := r.source.MarkOutboxSent(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	log.Debug().
		Str("event_id", event.ID.String()).
		Str("session_id", event.SessionID.String()).
		Int64("state_version", event.StateVersion).
		Msg("published and marked event as sent")
	return nil
}

func (r *Relay) publishWithRetry(ctx context.Context, event models.OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			r.metrics.RecordPublishAttempt(event.EventType, attempt+1, false)
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		r.metrics.RecordPublishAttempt(event.EventType, attempt+1, true)
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}
