// Package sweeper drives the only transitions that happen without a client
// request: loss on time, expiry of stale setups and periodic clock broadcasts.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/clock"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Coordinator is what the sweeper needs from the match coordinator.
type Coordinator interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
	SweepClock(ctx context.Context, id uuid.UUID) (bool, error)
	BroadcastClock(ctx context.Context, id uuid.UUID) error
}

// Source lists the sessions a sweep looks at.
type Source interface {
	ListActiveSessions(ctx context.Context) ([]*models.MatchSession, error)
	ListExpiredSetups(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type Config struct {
	Interval       time.Duration
	BroadcastEvery time.Duration
	Workers        int
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		BroadcastEvery: time.Second,
		Workers:        10,
		BatchSize:      100,
	}
}

type taskKind string

const (
	taskExpire taskKind = "expire"
	taskFlag   taskKind = "flag"
	taskTick   taskKind = "tick"
)

type task struct {
	kind taskKind
	id   uuid.UUID
}

// Stats counts what one inline sweep did.
type Stats struct {
	Expired int
	Flagged int
	Ticks   int
	Errors  int
}

type Sweeper struct {
	coord      Coordinator
	source     Source
	clock      clockwork.Clock
	cfg        Config
	instanceID string

	workCh chan task

	// Track in-flight work so a slow session is not queued twice
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex

	sweepMu       sync.Mutex
	lastBroadcast time.Time
}

func New(coord Coordinator, source Source, clk clockwork.Clock, cfg Config) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Sweeper{
		coord:      coord,
		source:     source,
		clock:      clk,
		cfg:        cfg,
		instanceID: uuid.New().String()[:8],
		workCh:     make(chan task, cfg.Workers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// Run schedules a sweep every Interval and fans due sessions out to the worker
// pool until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if err := s.sweep(ctx, s.enqueue); err != nil {
				log.Error().Err(err).Str("instance", s.instanceID).Msg("sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancelWorkers()
		wg.Wait()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	log.Info().
		Str("instance", s.instanceID).
		Int("workers", s.cfg.Workers).
		Dur("interval", s.cfg.Interval).
		Msg("sweeper started")
	sched.Start()

	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	cancelWorkers()
	wg.Wait()
	log.Info().Str("instance", s.instanceID).Msg("sweeper stopped")
	return nil
}

// RunOnce performs one sweep inline.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.sweep(ctx, func(t task) bool {
		done, err := s.process(ctx, t)
		switch {
		case err != nil:
			stats.Errors++
		case done && t.kind == taskExpire:
			stats.Expired++
		case done && t.kind == taskFlag:
			stats.Flagged++
		case done && t.kind == taskTick:
			stats.Ticks++
		}
		return true
	})
	return stats, err
}

// sweep finds due sessions and hands each to dispatch.
func (s *Sweeper) sweep(ctx context.Context, dispatch func(task) bool) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.clock.Now()
	expired, err := s.source.ListExpiredSetups(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired setups: %w", err)
	}
	for _, id := range expired {
		dispatch(task{kind: taskExpire, id: id})
	}

	active, err := s.source.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	broadcast := s.cfg.BroadcastEvery > 0 && now.Sub(s.lastBroadcast) >= s.cfg.BroadcastEvery
	if broadcast {
		s.lastBroadcast = now
	}
	for _, session := range active {
		if _, out := clock.Expired(session.Clock, now); out {
			dispatch(task{kind: taskFlag, id: session.ID})
		} else if broadcast {
			dispatch(task{kind: taskTick, id: session.ID})
		}
	}

	log.Debug().
		Str("instance", s.instanceID).
		Int("expired_setups", len(expired)).
		Int("active", len(active)).
		Bool("broadcast", broadcast).
		Msg("sweep")
	return nil
}

// enqueue hands t to the worker pool unless its session is already queued.
func (s *Sweeper) enqueue(t task) bool {
	s.inFlightMu.Lock()
	if s.inFlight[t.id] {
		s.inFlightMu.Unlock()
		return false
	}
	s.inFlight[t.id] = true
	s.inFlightMu.Unlock()

	select {
	case s.workCh <- t:
		return true
	default:
		s.release(t.id)
		log.Warn().Str("session_id", t.id.String()).Msg("sweep work channel full")
		return false
	}
}

func (s *Sweeper) release(id uuid.UUID) {
	s.inFlightMu.Lock()
	delete(s.inFlight, id)
	s.inFlightMu.Unlock()
}

func (s *Sweeper) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.workCh:
			if _, err := s.process(ctx, t); err != nil {
				log.Error().
					Err(err).
					Str("session_id", t.id.String()).
					Str("task", string(t.kind)).
					Str("instance", s.instanceID).
					Int("worker_id", workerID).
					Msg("sweep task failed")
			}
			s.release(t.id)
		}
	}
}

// process applies one task. Failures are left for the next sweep.
func (s *Sweeper) process(ctx context.Context, t task) (bool, error) {
	switch t.kind {
	case taskExpire:
		expired, err := s.coord.Expire(ctx, t.id)
		if expired {
			log.Info().Str("session_id", t.id.String()).Msg("setup expired")
		}
		return expired, err
	case taskFlag:
		flagged, err := s.coord.SweepClock(ctx, t.id)
		if flagged {
			log.Info().Str("session_id", t.id.String()).Msg("flagged on time")
		}
		return flagged, err
	case taskTick:
		return true, s.coord.BroadcastClock(ctx, t.id)
	}
	return false, fmt.Errorf("unknown sweep task %q", t.kind)
}
