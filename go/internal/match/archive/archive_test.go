package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules/rulestest"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (b *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.fail {
		return nil, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

type fixture struct {
	clock *clockwork.FakeClock
	store *repository.MemoryStore
	coord *match.Coordinator
	white uuid.UUID
	black uuid.UUID
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clock)
	return &fixture{
		clock: clock,
		store: store,
		coord: match.NewCoordinator(store, rulestest.New(), clock, match.DefaultPolicy()),
		white: uuid.New(),
		black: uuid.New(),
	}
}

// playStaked funds both players, plays a staked game and has black resign.
func (f *fixture) playStaked(t *testing.T) uuid.UUID {
	ctx := context.Background()
	for _, u := range []uuid.UUID{f.white, f.black} {
		_, err := f.coord.Fund(ctx, match.FundRequest{UserID: u, Currency: "USD", Amount: decimal.NewFromInt(50)})
		require.NoError(t, err)
	}

	view, err := f.coord.CreateSession(ctx, f.white, match.CreateSessionRequest{Opponent: &f.black})
	require.NoError(t, err)
	id := view.Session.ID

	_, err = f.coord.SetWager(ctx, f.white, match.SetWagerRequest{SessionID: id, Type: models.WagerTypeStaked, Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	_, err = f.coord.AcceptTerms(ctx, f.black, match.SessionRequest{SessionID: id})
	require.NoError(t, err)
	_, err = f.coord.Deposit(ctx, f.white, match.SessionRequest{SessionID: id})
	require.NoError(t, err)
	_, err = f.coord.Deposit(ctx, f.black, match.SessionRequest{SessionID: id})
	require.NoError(t, err)
	_, err = f.coord.Resign(ctx, f.black, match.SessionRequest{SessionID: id})
	require.NoError(t, err)
	return id
}

func TestArchive_FinishedSession(t *testing.T) {
	f := newFixture()
	bucket := &fakeBucket{}
	archiver := New(bucket, f.store, f.clock, Config{Bucket: "history", Prefix: "matches"})
	f.coord.Observe(archiver.Observe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go archiver.Run(ctx)

	id := f.playStaked(t)
	key := "history/matches/2026/03/14/" + id.String() + ".json"

	var data []byte
	require.Eventually(t, func() bool {
		var ok bool
		data, ok = bucket.get(key)
		return ok
	}, time.Second, 5*time.Millisecond)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id, rec.Session.ID)
	assert.Equal(t, models.SessionStatusFinished, rec.Session.Status)
	require.NotNil(t, rec.Session.Result)
	assert.Equal(t, models.ResultWhiteWins, *rec.Session.Result)
	require.NotNil(t, rec.Proposal)
	assert.True(t, rec.Proposal.Stake.Equal(decimal.NewFromInt(20)))

	kinds := map[models.EntryKind]int{}
	for _, e := range rec.Entries {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[models.EntryKindLock])
	assert.Equal(t, 1, kinds[models.EntryKindPayout])
}

func TestArchive_AbortedSessionHasNoEntries(t *testing.T) {
	f := newFixture()
	bucket := &fakeBucket{}
	archiver := New(bucket, f.store, f.clock, Config{Bucket: "history", Prefix: "matches"})

	ctx := context.Background()
	view, err := f.coord.CreateSession(ctx, f.white, match.CreateSessionRequest{})
	require.NoError(t, err)
	aborted, err := f.coord.Cancel(ctx, f.white, match.SessionRequest{SessionID: view.Session.ID})
	require.NoError(t, err)

	key, err := archiver.Archive(ctx, *aborted)
	require.NoError(t, err)
	assert.Equal(t, "matches/2026/03/14/"+view.Session.ID.String()+".json", key)

	data, ok := bucket.get("history/" + key)
	require.True(t, ok)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, models.SessionStatusAborted, rec.Session.Status)
	assert.Empty(t, rec.Entries)
	assert.Nil(t, rec.Proposal)
}

func TestArchive_UploadError(t *testing.T) {
	f := newFixture()
	archiver := New(&fakeBucket{fail: true}, f.store, f.clock, Config{Bucket: "history"})

	view, err := f.coord.CreateSession(context.Background(), f.white, match.CreateSessionRequest{})
	require.NoError(t, err)
	_, err = archiver.Archive(context.Background(), *view)
	assert.ErrorContains(t, err, "bucket unavailable")
}

func TestObserve_DropsWhenQueueFull(t *testing.T) {
	f := newFixture()
	archiver := New(&fakeBucket{}, f.store, f.clock, Config{Bucket: "history", QueueSize: 1})

	view, err := f.coord.CreateSession(context.Background(), f.white, match.CreateSessionRequest{})
	require.NoError(t, err)
	archiver.Observe(context.Background(), *view)
	archiver.Observe(context.Background(), *view)
	assert.Len(t, archiver.queue, 1)
}

func TestConfig(t *testing.T) {
	t.Setenv("ARCHIVE_BUCKET", "")
	assert.False(t, ConfigFromEnv().Enabled())

	t.Setenv("ARCHIVE_BUCKET", "history")
	t.Setenv("ARCHIVE_ENDPOINT", "http://localhost:9000")
	cfg := ConfigFromEnv()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "matches", cfg.Prefix)
	assert.Equal(t, "auto", cfg.Region)

	client, err := NewS3Client(context.Background(), Config{Region: "us-east-1", Endpoint: cfg.Endpoint, AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
