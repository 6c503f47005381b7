package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/dbconfig"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
)

// setupStore returns the memory store when STORE=memory, otherwise a migrated
// Postgres store. close releases the pool.
func setupStore(ctx context.Context, clock clockwork.Clock) (store repository.Store, close func(), err error) {
	if getEnv("STORE", "postgres") == "memory" {
		log.Warn().Msg("using in-memory store; state is lost on restart")
		return repository.NewMemoryStore(clock), func() {}, nil
	}

	dbConfig := dbconfig.NewConfigFromEnv()
	poolCfg, err := pgxpool.ParseConfig(dbConfig.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(getEnvAsInt("DB_MAX_CONNS", 20))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pg := repository.NewPostgresStore(pool, clock)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Info().
		Str("user", dbConfig.User).
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("connected to database")
	return pg, pool.Close, nil
}
