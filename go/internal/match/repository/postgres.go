package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/sqlutil"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on a pgx pool. Session and wallet rows are
// locked with SELECT ... FOR UPDATE for the lifetime of the transaction.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewPostgresStore(pool *pgxpool.Pool, clock clockwork.Clock) *PostgresStore {
	return &PostgresStore{pool: pool, clock: clock}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return sqlutil.Run(ctx, s.pool,
		func(tx pgx.Tx) *pgTx { return &pgTx{tx: tx, clock: s.clock} },
		func(q *pgTx) error { return fn(q) },
	)
}

const sessionColumns = `id, white_id, black_id, proposer_side, status, start_fen, fen, moves, move_number,
	initial_ms, increment_ms, white_ms, black_ms, running_side, turn_started_at,
	white_draw_offer, black_draw_offer, result, end_reason, state_version, expires_at,
	created_at, started_at, last_move_at, finished_at, updated_at`

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]*models.MatchSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM match_sessions WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.MatchSession
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredSetups(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM match_sessions
		WHERE status IN ('open', 'pending_wager_setup', 'pending_wager_acceptance', 'pending_deposits')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired setups: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const outboxColumns = `id, session_id, state_version, event_type, payload, created_at, sent_at, attempts, last_error`

func (s *PostgresStore) FetchUnsentOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM match_outbox WHERE id = $1 AND sent_at IS NULL`, id)
	e, err := scanOutbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE match_outbox SET sent_at = $2 WHERE id = $1`, id, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE match_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason); err != nil {
		return fmt.Errorf("failed to mark outbox event as failed: %w", err)
	}
	return nil
}

type pgTx struct {
	tx    pgx.Tx
	clock clockwork.Clock
}

func (t *pgTx) GetSession(ctx context.Context, id uuid.UUID) (*models.MatchSession, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM match_sessions WHERE id = $1 FOR UPDATE`, id)
	m, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (t *pgTx) InsertSession(ctx context.Context, m *models.MatchSession) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO match_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		sessionArgs(m)...)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSession(ctx context.Context, m *models.MatchSession) error {
	tag, err := t.tx.Exec(ctx, `UPDATE match_sessions SET
		white_id = $2, black_id = $3, proposer_side = $4, status = $5, start_fen = $6, fen = $7,
		moves = $8, move_number = $9, initial_ms = $10, increment_ms = $11, white_ms = $12,
		black_ms = $13, running_side = $14, turn_started_at = $15, white_draw_offer = $16,
		black_draw_offer = $17, result = $18, end_reason = $19, state_version = $20,
		expires_at = $21, created_at = $22, started_at = $23, last_move_at = $24,
		finished_at = $25, updated_at = $26
		WHERE id = $1`, sessionArgs(m)...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

const proposalColumns = `id, session_id, wager_type, stake::text, currency, fee_pct::text, draw_fee_pct::text,
	white_accepted, black_accepted, white_deposit, black_deposit, status, created_at, updated_at, settled_at`

func (t *pgTx) GetProposalBySession(ctx context.Context, sessionID uuid.UUID) (*models.WagerProposal, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM wager_proposals WHERE session_id = $1 FOR UPDATE`, sessionID)

	var (
		p                      models.WagerProposal
		stake, fee, drawFee    string
		wagerType, status      string
		whiteDeposit, blackDep string
		settledAt              pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.SessionID, &wagerType, &stake, &p.Currency, &fee, &drawFee,
		&p.Accepted.White, &p.Accepted.Black, &whiteDeposit, &blackDep, &status,
		&p.CreatedAt, &p.UpdatedAt, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("proposal for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}

	if p.Stake, err = sqlutil.ParseDecimal(stake); err != nil {
		return nil, fmt.Errorf("failed to parse stake: %w", err)
	}
	if p.FeePct, err = sqlutil.ParseDecimal(fee); err != nil {
		return nil, fmt.Errorf("failed to parse fee_pct: %w", err)
	}
	if p.DrawFeePct, err = sqlutil.ParseDecimal(drawFee); err != nil {
		return nil, fmt.Errorf("failed to parse draw_fee_pct: %w", err)
	}
	p.Type = models.WagerType(wagerType)
	p.Status = models.ProposalStatus(status)
	p.Deposits.White = models.DepositStatus(whiteDeposit)
	p.Deposits.Black = models.DepositStatus(blackDep)
	p.SettledAt = sqlutil.FromPgTime(settledAt)
	return &p, nil
}

func (t *pgTx) InsertProposal(ctx context.Context, p *models.WagerProposal) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wager_proposals (
		id, session_id, wager_type, stake, currency, fee_pct, draw_fee_pct, white_accepted, black_accepted,
		white_deposit, black_deposit, status, created_at, updated_at, settled_at)
		VALUES ($1,$2,$3,$4::numeric,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.SessionID, string(p.Type), p.Stake.String(), p.Currency, p.FeePct.String(), p.DrawFeePct.String(),
		p.Accepted.White, p.Accepted.Black, string(p.Deposits.White), string(p.Deposits.Black),
		string(p.Status), p.CreatedAt, p.UpdatedAt, sqlutil.ToPgTime(p.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateProposal(ctx context.Context, p *models.WagerProposal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE wager_proposals SET
		white_accepted = $2, black_accepted = $3, white_deposit = $4, black_deposit = $5,
		status = $6, updated_at = $7, settled_at = $8
		WHERE id = $1`,
		p.ID, p.Accepted.White, p.Accepted.Black, string(p.Deposits.White), string(p.Deposits.Black),
		string(p.Status), p.UpdatedAt, sqlutil.ToPgTime(p.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.WalletAccount, error) {
	sorted := append([]models.WalletKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	now := t.clock.Now()
	out := make(map[models.WalletKey]*models.WalletAccount, len(sorted))
	for _, key := range sorted {
		if _, ok := out[key]; ok {
			continue
		}
		if _, err := t.tx.Exec(ctx, `INSERT INTO wallet_accounts (user_id, currency, available, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $3) ON CONFLICT (user_id, currency) DO NOTHING`,
			key.UserID, key.Currency, now); err != nil {
			return nil, fmt.Errorf("failed to ensure wallet: %w", err)
		}

		var (
			w         models.WalletAccount
			available string
		)
		err := t.tx.QueryRow(ctx, `SELECT user_id, currency, available::text, created_at, updated_at
			FROM wallet_accounts WHERE user_id = $1 AND currency = $2 FOR UPDATE`, key.UserID, key.Currency).
			Scan(&w.UserID, &w.Currency, &available, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to lock wallet: %w", err)
		}
		if w.Available, err = sqlutil.ParseDecimal(available); err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		out[key] = &w
	}
	return out, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *models.WalletAccount) error {
	_, err := t.tx.Exec(ctx, `UPDATE wallet_accounts SET available = $3::numeric, updated_at = $4
		WHERE user_id = $1 AND currency = $2`, w.UserID, w.Currency, w.Available.String(), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEntries(ctx context.Context, entries ...models.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO ledger_entries (id, user_id, currency, kind, direction, amount, proposal_id, session_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
			e.ID, sqlutil.ToPgUUID(e.UserID), e.Currency, string(e.Kind), string(e.Direction), e.Amount.String(),
			sqlutil.ToPgUUID(e.ProposalID), sqlutil.ToPgUUID(e.SessionID), e.CreatedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append ledger entries: %w", err)
	}
	return nil
}

func (t *pgTx) ListEntries(ctx context.Context, f EntryFilter) ([]models.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, user_id, currency, kind, direction, amount::text, proposal_id, session_id, created_at
		FROM ledger_entries
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2 = '' OR currency = $2)
		  AND ($3::uuid IS NULL OR proposal_id = $3)
		  AND ($4::uuid IS NULL OR session_id = $4)
		ORDER BY created_at, id`,
		sqlutil.ToPgUUID(f.UserID), f.Currency, sqlutil.ToPgUUID(f.ProposalID), sqlutil.ToPgUUID(f.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e                             models.LedgerEntry
			userID, proposalID, sessionID pgtype.UUID
			kind, direction, amount       string
		)
		if err := rows.Scan(&e.ID, &userID, &e.Currency, &kind, &direction, &amount,
			&proposalID, &sessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.Amount, err = sqlutil.ParseDecimal(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount: %w", err)
		}
		e.UserID = sqlutil.FromPgUUID(userID)
		e.ProposalID = sqlutil.FromPgUUID(proposalID)
		e.SessionID = sqlutil.FromPgUUID(sessionID)
		e.Kind = models.EntryKind(kind)
		e.Direction = models.Direction(direction)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO match_outbox (id, session_id, state_version, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, e.StateVersion, e.EventType, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.MatchSession, error) {
	var (
		m                                 models.MatchSession
		blackID                           pgtype.UUID
		proposerSide, status              string
		runningSide, result, endReason    pgtype.Text
		turnStartedAt, expiresAt          pgtype.Timestamptz
		startedAt, lastMoveAt, finishedAt pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.WhiteID, &blackID, &proposerSide, &status, &m.StartFEN, &m.FEN,
		&m.Moves, &m.MoveNumber, &m.TimeControl.InitialMs, &m.TimeControl.IncrementMs,
		&m.Clock.WhiteMs, &m.Clock.BlackMs, &runningSide, &turnStartedAt,
		&m.DrawOffers.White, &m.DrawOffers.Black, &result, &endReason, &m.Version, &expiresAt,
		&m.CreatedAt, &startedAt, &lastMoveAt, &finishedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	m.BlackID = sqlutil.FromPgUUID(blackID)
	m.ProposerSide = models.Side(proposerSide)
	m.Status = models.SessionStatus(status)
	m.Clock.Running = sqlutil.FromPgText[models.Side](runningSide)
	m.Clock.TurnStartedAt = sqlutil.FromPgTime(turnStartedAt)
	m.Result = sqlutil.FromPgText[models.Result](result)
	m.EndReason = sqlutil.FromPgText[models.EndReason](endReason)
	m.ExpiresAt = sqlutil.FromPgTime(expiresAt)
	m.StartedAt = sqlutil.FromPgTime(startedAt)
	m.LastMoveAt = sqlutil.FromPgTime(lastMoveAt)
	m.FinishedAt = sqlutil.FromPgTime(finishedAt)
	if m.Moves == nil {
		m.Moves = []string{}
	}
	return &m, nil
}

func sessionArgs(m *models.MatchSession) []any {
	moves := m.Moves
	if moves == nil {
		moves = []string{}
	}
	return []any{
		m.ID, m.WhiteID, sqlutil.ToPgUUID(m.BlackID), string(m.ProposerSide), string(m.Status),
		m.StartFEN, m.FEN, moves, m.MoveNumber, m.TimeControl.InitialMs, m.TimeControl.IncrementMs,
		m.Clock.WhiteMs, m.Clock.BlackMs, sqlutil.ToPgText(m.Clock.Running), sqlutil.ToPgTime(m.Clock.TurnStartedAt),
		m.DrawOffers.White, m.DrawOffers.Black, sqlutil.ToPgText(m.Result), sqlutil.ToPgText(m.EndReason),
		m.Version, sqlutil.ToPgTime(m.ExpiresAt), m.CreatedAt, sqlutil.ToPgTime(m.StartedAt),
		sqlutil.ToPgTime(m.LastMoveAt), sqlutil.ToPgTime(m.FinishedAt), m.UpdatedAt,
	}
}

func scanOutbox(row scanner) (*models.OutboxEvent, error) {
	var (
		e         models.OutboxEvent
		payload   []byte
		sentAt    pgtype.Timestamptz
		lastError pgtype.Text
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.StateVersion, &e.EventType, &payload,
		&e.CreatedAt, &sentAt, &e.Attempts, &lastError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	e.Payload = payload
	e.SentAt = sqlutil.FromPgTime(sentAt)
	e.LastError = sqlutil.FromPgText[string](lastError)
	return &e, nil
}
