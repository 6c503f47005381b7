package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/stakechess/go/internal/models"
)

// MemoryStore keeps everything in process. Used by tests and OUTBOX_MODE=inline.
type MemoryStore struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	sessions  map[uuid.UUID]*models.MatchSession
	proposals map[uuid.UUID]*models.WagerProposal // keyed by session id
	wallets   map[models.WalletKey]*models.WalletAccount
	entries   []models.LedgerEntry
	outbox    []*models.OutboxEvent

	lockMu      sync.Mutex
	walletLocks map[models.WalletKey]*sync.Mutex
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:       clock,
		sessions:    make(map[uuid.UUID]*models.MatchSession),
		proposals:   make(map[uuid.UUID]*models.WagerProposal),
		wallets:     make(map[models.WalletKey]*models.WalletAccount),
		walletLocks: make(map[models.WalletKey]*sync.Mutex),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:     s,
		sessions:  make(map[uuid.UUID]*models.MatchSession),
		proposals: make(map[uuid.UUID]*models.WagerProposal),
		wallets:   make(map[models.WalletKey]*models.WalletAccount),
		held:      make(map[models.WalletKey]*sync.Mutex),
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]*models.MatchSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MatchSession
	for _, m := range s.sessions {
		if m.Status == models.SessionStatusActive {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredSetups(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for id, m := range s.sessions {
		if !m.Status.PreActive() || m.ExpiresAt == nil || m.ExpiresAt.After(now) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FetchUnsentOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.OutboxEvent
	for _, e := range s.outbox {
		if e.SentAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.outbox {
		if e.ID == id && e.SentAt == nil {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.outbox {
		if e.ID == id {
			now := s.clock.Now()
			e.SentAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.outbox {
		if e.ID == id {
			e.Attempts++
			e.LastError = &reason
			return nil
		}
	}
	return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
}

// Wallet returns a committed wallet balance. Test helper.
func (s *MemoryStore) Wallet(key models.WalletKey) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[key]; ok {
		return w.Available
	}
	return decimal.Zero
}

// Entries returns a copy of the committed ledger. Test helper.
func (s *MemoryStore) Entries() []models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LedgerEntry(nil), s.entries...)
}

// Outbox returns a copy of every committed outbox row. Test helper.
func (s *MemoryStore) Outbox() []models.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutboxEvent, len(s.outbox))
	for i, e := range s.outbox {
		out[i] = *e
	}
	return out
}

func (s *MemoryStore) walletLock(key models.WalletKey) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.walletLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.walletLocks[key] = m
	}
	return m
}

// memTx stages writes and applies them atomically on commit.
type memTx struct {
	store *MemoryStore

	sessions  map[uuid.UUID]*models.MatchSession
	proposals map[uuid.UUID]*models.WagerProposal
	wallets   map[models.WalletKey]*models.WalletAccount
	entries   []models.LedgerEntry
	outbox    []*models.OutboxEvent

	held map[models.WalletKey]*sync.Mutex
}

func (t *memTx) GetSession(ctx context.Context, id uuid.UUID) (*models.MatchSession, error) {
	if m, ok := t.sessions[id]; ok {
		return m.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	m, ok := t.store.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (t *memTx) InsertSession(ctx context.Context, s *models.MatchSession) error {
	if _, err := t.GetSession(ctx, s.ID); err == nil {
		return fmt.Errorf("session %s: %w", s.ID, ErrAlreadyExists)
	}
	t.sessions[s.ID] = s.Clone()
	return nil
}

func (t *memTx) UpdateSession(ctx context.Context, s *models.MatchSession) error {
	if _, err := t.GetSession(ctx, s.ID); err != nil {
		return err
	}
	t.sessions[s.ID] = s.Clone()
	return nil
}

func (t *memTx) GetProposalBySession(ctx context.Context, sessionID uuid.UUID) (*models.WagerProposal, error) {
	if p, ok := t.proposals[sessionID]; ok {
		return p.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.proposals[sessionID]
	if !ok {
		return nil, fmt.Errorf("proposal for session %s: %w", sessionID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *memTx) InsertProposal(ctx context.Context, p *models.WagerProposal) error {
	if _, err := t.GetProposalBySession(ctx, p.SessionID); err == nil {
		return fmt.Errorf("proposal for session %s: %w", p.SessionID, ErrAlreadyExists)
	}
	t.proposals[p.SessionID] = p.Clone()
	return nil
}

func (t *memTx) UpdateProposal(ctx context.Context, p *models.WagerProposal) error {
	if _, err := t.GetProposalBySession(ctx, p.SessionID); err != nil {
		return err
	}
	t.proposals[p.SessionID] = p.Clone()
	return nil
}

func (t *memTx) LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.WalletAccount, error) {
	sorted := append([]models.WalletKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	out := make(map[models.WalletKey]*models.WalletAccount, len(sorted))
	for _, key := range sorted {
		if _, ok := t.held[key]; !ok {
			m := t.store.walletLock(key)
			m.Lock()
			t.held[key] = m
		}
		out[key] = t.wallet(key)
	}
	return out, nil
}

func (t *memTx) wallet(key models.WalletKey) *models.WalletAccount {
	if w, ok := t.wallets[key]; ok {
		c := *w
		return &c
	}
	t.store.mu.RLock()
	w, ok := t.store.wallets[key]
	t.store.mu.RUnlock()
	if ok {
		c := *w
		return &c
	}
	now := t.store.clock.Now()
	return &models.WalletAccount{
		UserID:    key.UserID,
		Currency:  key.Currency,
		Available: decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *memTx) UpdateWallet(ctx context.Context, w *models.WalletAccount) error {
	if _, ok := t.held[w.Key()]; !ok {
		return fmt.Errorf("wallet %s/%s updated without lock", w.UserID, w.Currency)
	}
	c := *w
	t.wallets[w.Key()] = &c
	return nil
}

func (t *memTx) AppendEntries(ctx context.Context, entries ...models.LedgerEntry) error {
	for _, e := range entries {
		if !e.Amount.IsPositive() {
			return fmt.Errorf("ledger entry %s: amount must be positive", e.ID)
		}
	}
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *memTx) ListEntries(ctx context.Context, f EntryFilter) ([]models.LedgerEntry, error) {
	t.store.mu.RLock()
	var out []models.LedgerEntry
	for _, e := range t.store.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	t.store.mu.RUnlock()

	for _, e := range t.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error {
	c := *e
	t.outbox = append(t.outbox, &c)
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range t.sessions {
		s.sessions[id] = m
	}
	for id, p := range t.proposals {
		s.proposals[id] = p
	}
	for k, w := range t.wallets {
		s.wallets[k] = w
	}
	s.entries = append(s.entries, t.entries...)
	s.outbox = append(s.outbox, t.outbox...)
}

func (t *memTx) release() {
	for k, m := range t.held {
		m.Unlock()
		delete(t.held, k)
	}
}
