// Package backup exports a user's local data as JSON snapshots to
// S3-compatible object storage and restores from the newest one.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
)

const snapshotVersion = 1

// ErrNoSnapshot is returned by Restore when the user has no snapshot.
var ErrNoSnapshot = errors.New("no snapshot found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Logger defaults to the slog default tagged with the backup component.
	Logger *applog.Logger
}

// Store is the part of the local store that is exported and restored.
type Store interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	GetCategory(ctx context.Context, id string) (*core.Category, error)
	CreateCategory(ctx context.Context, c core.Category) (core.Category, error)
	Categories(ctx context.Context, f storage.CategoryFilter) iter.Seq2[core.Category, error]
	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	Transactions(ctx context.Context, f storage.TransactionFilter) iter.Seq2[core.Transaction, error]
}

type snapshot struct {
	Version      int                   `json:"version"`
	ExportedAt   time.Time             `json:"exportedAt"`
	User         snapshotUser          `json:"user"`
	Categories   []snapshotCategory    `json:"categories"`
	Transactions []snapshotTransaction `json:"transactions"`
}

type snapshotUser struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	LastSyncDate  time.Time `json:"lastSyncDate"`
	NextSyncDate  time.Time `json:"nextSyncDate"`
	EmailVerified bool      `json:"emailVerified"`
}

type snapshotCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type snapshotTransaction struct {
	ID         string          `json:"id"`
	Date       time.Time       `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	IsIncome   bool            `json:"isIncome"`
	CategoryID string          `json:"categoryId"`
}

// RestoreStats counts records recreated by Restore.
type RestoreStats struct {
	Snapshot     string
	UserCreated  bool
	Categories   int
	Transactions int
}

type Service struct {
	api    objectAPI
	bucket string
	local  Store
	now    func() time.Time
	log    *applog.Logger
}

// New connects to the object store described by cfg.
func New(ctx context.Context, cfg Config, local Store) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	svc, err := newWithAPI(ctx, minioClient{c: client}, cfg.Bucket, local)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		svc.log = cfg.Logger
	}
	return svc, nil
}

func newWithAPI(ctx context.Context, api objectAPI, bucket string, local Store) (*Service, error) {
	s := &Service{
		api:    api,
		bucket: bucket,
		local:  local,
		now:    time.Now,
		log:    applog.ForComponent(applog.ComponentBackup),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket exists: %w", err)
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func snapshotPrefix(userID string) string {
	return "users/" + userID + "/snapshots/"
}

// Export writes the user's current data and returns the object key.
func (s *Service) Export(ctx context.Context, userID string) (string, error) {
	u, err := s.local.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if u == nil {
		return "", apperror.NotFound("user", userID)
	}

	snap := snapshot{
		Version:    snapshotVersion,
		ExportedAt: s.now().UTC().Truncate(time.Second),
		User: snapshotUser{
			ID:            u.ID,
			Name:          u.Name,
			Email:         u.Email,
			LastSyncDate:  u.LastSyncDate,
			NextSyncDate:  u.NextSyncDate,
			EmailVerified: u.EmailVerified,
		},
		Categories:   []snapshotCategory{},
		Transactions: []snapshotTransaction{},
	}
	for c, err := range s.local.Categories(ctx, storage.CategoryFilter{OwnerUserID: userID}) {
		if err != nil {
			return "", fmt.Errorf("load categories: %w", err)
		}
		snap.Categories = append(snap.Categories, snapshotCategory{ID: c.ID, Name: c.Name})
	}
	for t, err := range s.local.Transactions(ctx, storage.TransactionFilter{OwnerUserID: userID}) {
		if err != nil {
			return "", fmt.Errorf("load transactions: %w", err)
		}
		snap.Transactions = append(snap.Transactions, snapshotTransaction{
			ID:         t.ID,
			Date:       t.Date,
			Amount:     t.Amount,
			IsIncome:   t.IsIncome,
			CategoryID: t.CategoryID,
		})
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	key := snapshotPrefix(userID) + snap.ExportedAt.Format(time.RFC3339) + ".json"
	_, err = s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}

	s.log.WithFields(applog.NewFields().WithUser(userID).WithOperation(applog.OpExport)).
		InfoContext(ctx, "Exported snapshot",
			"key", key,
			"categories", len(snap.Categories),
			applog.FieldCount, len(snap.Transactions))
	return key, nil
}

// latest returns the newest snapshot key. RFC 3339 UTC names sort by time.
func (s *Service) latest(ctx context.Context, userID string) (string, error) {
	var newest string
	for obj := range s.api.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: snapshotPrefix(userID), Recursive: true}) {
		if obj.Err != nil {
			return "", fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".json") && obj.Key > newest {
			newest = obj.Key
		}
	}
	if newest == "" {
		return "", ErrNoSnapshot
	}
	return newest, nil
}

// Restore recreates every record of the newest snapshot that is missing
// locally. Existing records are left as they are. Recreated transactions
// are unsynced and get pushed on the next sync.
func (s *Service) Restore(ctx context.Context, userID string) (RestoreStats, error) {
	var stats RestoreStats
	key, err := s.latest(ctx, userID)
	if err != nil {
		return stats, err
	}
	stats.Snapshot = key

	rc, err := s.api.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return stats, fmt.Errorf("download snapshot: %w", err)
	}
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return stats, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if snap.Version != snapshotVersion {
		return stats, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	u, err := s.local.GetUser(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("load user: %w", err)
	}
	if u == nil {
		_, err := s.local.CreateUser(ctx, core.User{
			ID:            userID,
			Name:          snap.User.Name,
			Email:         snap.User.Email,
			LastSyncDate:  snap.User.LastSyncDate,
			NextSyncDate:  snap.User.NextSyncDate,
			EmailVerified: snap.User.EmailVerified,
		})
		if err != nil {
			return stats, fmt.Errorf("restore user: %w", err)
		}
		stats.UserCreated = true
	}

	for _, c := range snap.Categories {
		existing, err := s.local.GetCategory(ctx, c.ID)
		if err != nil {
			return stats, fmt.Errorf("load category %s: %w", c.ID, err)
		}
		if existing != nil {
			continue
		}
		if _, err := s.local.CreateCategory(ctx, core.Category{ID: c.ID, Name: c.Name, OwnerUserID: userID}); err != nil {
			return stats, fmt.Errorf("restore category %s: %w", c.ID, err)
		}
		stats.Categories++
	}

	for _, t := range snap.Transactions {
		existing, err := s.local.GetTransaction(ctx, t.ID)
		if err != nil {
			return stats, fmt.Errorf("load transaction %s: %w", t.ID, err)
		}
		if existing != nil {
			continue
		}
		_, err = s.local.CreateTransaction(ctx, core.Transaction{
			ID:          t.ID,
			Date:        t.Date,
			Amount:      t.Amount,
			IsIncome:    t.IsIncome,
			CategoryID:  t.CategoryID,
			OwnerUserID: userID,
		})
		if err != nil {
			return stats, fmt.Errorf("restore transaction %s: %w", t.ID, err)
		}
		stats.Transactions++
	}

	s.log.WithFields(applog.NewFields().WithUser(userID).WithOperation(applog.OpRestore)).
		InfoContext(ctx, "Restored snapshot",
			"key", key,
			"user_created", stats.UserCreated,
			"categories", stats.Categories,
			applog.FieldCount, stats.Transactions)
	return stats, nil
}
