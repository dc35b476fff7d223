// Package firestore stores remote documents in Cloud Firestore:
//
//	users/{uid}                    profile
//	users/{uid}/transactions/{id}  transaction documents
//	users/{uid}/categories/{id}    category documents
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	goption "google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"moneycheck/internal/apperror"
	applog "moneycheck/internal/log"
	"moneycheck/internal/remote"
)

const (
	usersCollection        = "users"
	transactionsCollection = "transactions"
	categoriesCollection   = "categories"
)

type Config struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
	// Logger defaults to the slog default tagged with the remote component.
	Logger *applog.Logger
}

type Client struct {
	fs  *gfs.Client
	log *applog.Logger
}

// profileDoc adds the lowercased email that ProfileExists queries;
// Firestore equality filters are case-sensitive.
type profileDoc struct {
	remote.Profile
	EmailLower string `firestore:"emailLower"`
}

var _ remote.Store = (*Client)(nil)

// New connects to Firestore. Inline JSON credentials take precedence over a
// credentials file. With neither, application default credentials are used,
// which also covers FIRESTORE_EMULATOR_HOST.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("missing firestore project id")
	}

	log := cfg.Logger
	if log == nil {
		log = applog.ForComponent(applog.ComponentRemote)
	}
	log = log.With(applog.FieldBackend, "firestore")

	var opts []goption.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		log.InfoContext(ctx, "Using inline JSON credentials for Firestore")
		opts = append(opts, goption.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		log.InfoContext(ctx, "Read Firestore credentials file", "path", cfg.CredentialsFile, "size", len(data))
		opts = append(opts, goption.WithCredentialsJSON(data))
	default:
		log.InfoContext(ctx, "Using application default credentials for Firestore")
	}

	fs, err := gfs.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Client{fs: fs, log: log}, nil
}

func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) user(uid string) *gfs.DocumentRef {
	return c.fs.Collection(usersCollection).Doc(uid)
}

func (c *Client) transactions(uid string) *gfs.CollectionRef {
	return c.user(uid).Collection(transactionsCollection)
}

func (c *Client) categories(uid string) *gfs.CollectionRef {
	return c.user(uid).Collection(categoriesCollection)
}

func (c *Client) PutOne(ctx context.Context, ownerUserID string, t remote.Transaction) error {
	if err := t.Validate(); err != nil {
		return apperror.RemoteWrite("put one", err)
	}
	t.Date = t.Date.UTC()
	if _, err := c.transactions(ownerUserID).Doc(t.ID).Set(ctx, t); err != nil {
		return apperror.RemoteWrite("put one", err)
	}
	return nil
}

// PutBatch writes every document inside one Firestore transaction, so the
// batch commits entirely or not at all.
func (c *Client) PutBatch(ctx context.Context, ownerUserID string, ts []remote.Transaction) error {
	if len(ts) == 0 {
		return nil
	}
	if len(ts) > remote.MaxBatchSize {
		return apperror.RemoteWrite("put batch", fmt.Errorf("batch of %d exceeds %d", len(ts), remote.MaxBatchSize))
	}
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return apperror.RemoteWrite("put batch", err)
		}
	}

	col := c.transactions(ownerUserID)
	err := c.fs.RunTransaction(ctx, func(ctx context.Context, tx *gfs.Transaction) error {
		for _, t := range ts {
			t.Date = t.Date.UTC()
			if err := tx.Set(col.Doc(t.ID), t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperror.RemoteWrite("put batch", err)
	}

	c.log.DebugContext(ctx, "Committed transaction batch to Firestore", applog.FieldUserID, ownerUserID, applog.FieldCount, len(ts))
	return nil
}

func (c *Client) DeleteOne(ctx context.Context, ownerUserID, transactionID string) error {
	_, err := c.transactions(ownerUserID).Doc(transactionID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return apperror.RemoteWrite("delete one", err)
	}
	return nil
}

func (c *Client) FetchSince(ctx context.Context, ownerUserID string, since time.Time) ([]remote.Transaction, error) {
	it := c.transactions(ownerUserID).
		Where("date", ">", since.UTC()).
		OrderBy("date", gfs.Asc).
		Documents(ctx)
	defer it.Stop()

	var out []remote.Transaction
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, apperror.RemoteRead("fetch since", err)
		}
		var t remote.Transaction
		if err := snap.DataTo(&t); err != nil {
			return nil, apperror.RemoteRead("fetch since", fmt.Errorf("decode %s: %w", snap.Ref.ID, err))
		}
		if t.ID == "" {
			t.ID = snap.Ref.ID
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Client) PutProfile(ctx context.Context, p remote.Profile) error {
	doc := profileDoc{Profile: p, EmailLower: strings.ToLower(strings.TrimSpace(p.Email))}
	if _, err := c.user(p.ID).Set(ctx, doc); err != nil {
		return apperror.RemoteWrite("put profile", err)
	}
	return nil
}

func (c *Client) PutCategories(ctx context.Context, ownerUserID string, cs []remote.Category) error {
	if len(cs) == 0 {
		return nil
	}
	col := c.categories(ownerUserID)
	for start := 0; start < len(cs); start += remote.MaxBatchSize {
		chunk := cs[start:min(start+remote.MaxBatchSize, len(cs))]
		err := c.fs.RunTransaction(ctx, func(ctx context.Context, tx *gfs.Transaction) error {
			for _, cat := range chunk {
				if err := tx.Set(col.Doc(cat.ID), cat); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return apperror.RemoteWrite("put categories", err)
		}
	}
	return nil
}

func (c *Client) ProfileExists(ctx context.Context, email string) (bool, error) {
	it := c.fs.Collection(usersCollection).Where("emailLower", "==", strings.ToLower(strings.TrimSpace(email))).Limit(1).Documents(ctx)
	defer it.Stop()

	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, apperror.RemoteRead("profile exists", err)
	}
	return true, nil
}

// DeleteProfile removes the subcollections first; Firestore does not
// cascade document deletes.
func (c *Client) DeleteProfile(ctx context.Context, userID string) error {
	for _, col := range []*gfs.CollectionRef{c.transactions(userID), c.categories(userID)} {
		if err := c.deleteCollection(ctx, col); err != nil {
			return apperror.RemoteWrite("delete profile", err)
		}
	}
	if _, err := c.user(userID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return apperror.RemoteWrite("delete profile", err)
	}
	c.log.InfoContext(ctx, "Deleted Firestore profile", applog.FieldUserID, userID)
	return nil
}

func (c *Client) deleteCollection(ctx context.Context, col *gfs.CollectionRef) error {
	for {
		refs, err := col.Limit(remote.MaxBatchSize).Documents(ctx).GetAll()
		if err != nil {
			return fmt.Errorf("list %s: %w", col.Path, err)
		}
		if len(refs) == 0 {
			return nil
		}
		err = c.fs.RunTransaction(ctx, func(ctx context.Context, tx *gfs.Transaction) error {
			for _, snap := range refs {
				if err := tx.Delete(snap.Ref); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete from %s: %w", col.Path, err)
		}
	}
}
