// Package archive uploads a JSON record of every ended session to S3-compatible
// object storage, for match history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Uploader is the part of *s3.Client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is the part of repository.Store the archiver reads ledger entries from.
type Store interface {
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Record is the archived form of one session.
type Record struct {
	Session    *models.MatchSession  `json:"session"`
	Proposal   *models.WagerProposal `json:"proposal,omitempty"`
	Entries    []models.LedgerEntry  `json:"entries"`
	ArchivedAt time.Time             `json:"archived_at"`
}

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // empty for AWS, set for R2/MinIO
	AccessKeyID     string
	SecretAccessKey string
	QueueSize       int
}

// ConfigFromEnv reads ARCHIVE_* variables. An empty Bucket disables archiving.
func ConfigFromEnv() Config {
	return Config{
		Bucket:          os.Getenv("ARCHIVE_BUCKET"),
		Prefix:          getEnv("ARCHIVE_PREFIX", "matches"),
		Region:          getEnv("ARCHIVE_REGION", "auto"),
		Endpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
		AccessKeyID:     os.Getenv("ARCHIVE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("ARCHIVE_SECRET_ACCESS_KEY"),
		QueueSize:       256,
	}
}

func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// NewS3Client builds a client for cfg. Static credentials are used when both
// keys are set, otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive storage config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type Archiver struct {
	uploader Uploader
	store    Store
	clock    clockwork.Clock
	bucket   string
	prefix   string
	queue    chan events.SessionView
}

func New(uploader Uploader, store Store, clock clockwork.Clock, cfg Config) *Archiver {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Archiver{
		uploader: uploader,
		store:    store,
		clock:    clock,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		queue:    make(chan events.SessionView, size),
	}
}

// Observe queues view for upload. It matches match.TerminalObserver and never blocks
// the caller; when the queue is full the record is dropped and logged.
func (a *Archiver) Observe(ctx context.Context, view events.SessionView) {
	select {
	case a.queue <- view:
	default:
		log.Warn().Str("session_id", view.Session.ID.String()).Msg("archive queue full, dropping record")
	}
}

// Run uploads queued records until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case view := <-a.queue:
			if _, err := a.Archive(ctx, view); err != nil {
				log.Error().Err(err).Str("session_id", view.Session.ID.String()).Msg("failed to archive session")
			}
		}
	}
}

// Archive writes the record for view and returns its object key.
func (a *Archiver) Archive(ctx context.Context, view events.SessionView) (string, error) {
	s := view.Session
	sessionID := s.ID

	var entries []models.LedgerEntry
	err := a.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.ListEntries(ctx, repository.EntryFilter{SessionID: &sessionID})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to load ledger entries for %s: %w", sessionID, err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	body, err := json.Marshal(Record{
		Session:    s,
		Proposal:   view.Proposal,
		Entries:    entries,
		ArchivedAt: a.clock.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive record: %w", err)
	}

	key := a.Key(s)
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("key", key).
		Int("entries", len(entries)).
		Msg("session archived")
	return key, nil
}

// Key is <prefix>/<yyyy>/<mm>/<dd>/<session id>.json, dated by when the session ended.
func (a *Archiver) Key(s *models.MatchSession) string {
	ended := a.clock.Now()
	if s.FinishedAt != nil {
		ended = *s.FinishedAt
	}
	return path.Join(a.prefix, ended.UTC().Format("2006/01/02"), s.ID.String()+".json")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
