package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
)

const outboxColumns = `id, session_id, state_version, event_type, payload, created_at, sent_at, attempts, last_error`

// SQLSource reads the outbox through database/sql for the standalone relay.
type SQLSource struct {
	db    *sql.DB
	clock clockwork.Clock
}

func NewSQLSource(db *sql.DB, clock clockwork.Clock) *SQLSource {
	return &SQLSource{db: db, clock: clock}
}

var _ repository.OutboxSource = (*SQLSource)(nil)

func (s *SQLSource) FetchUnsentOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM match_outbox WHERE sent_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLSource) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM match_outbox WHERE id = $1 AND sent_at IS NULL`, id)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", id, repository.ErrNotFound)
	}
	return e, err
}

func (s *SQLSource) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE match_outbox SET sent_at = $2 WHERE id = $1`, id, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (s *SQLSource) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE match_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event as failed: %w", err)
	}
	return nil
}

// CountPending reports how many events are waiting, for health checks.
func (s *SQLSource) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM match_outbox WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row rowScanner) (*models.OutboxEvent, error) {
	var (
		e         models.OutboxEvent
		payload   pqtype.NullRawMessage
		sentAt    sql.NullTime
		lastError sql.NullString
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.StateVersion, &e.EventType, &payload,
		&e.CreatedAt, &sentAt, &e.Attempts, &lastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.RawMessage)
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	return &e, nil
}
