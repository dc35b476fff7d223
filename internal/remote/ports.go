// Package remote defines the cloud-side counterpart of the local store and
// the document representation exchanged with it.
package remote

import (
	"context"
	"time"
)

// MaxBatchSize is the largest number of documents accepted by one PutBatch.
const MaxBatchSize = 500

// Ports for remote store adapters.
type (
	TransactionWriter interface {
		// PutOne upserts a single transaction document.
		PutOne(ctx context.Context, ownerUserID string, t Transaction) error
		// PutBatch upserts all documents in one all-or-nothing commit.
		PutBatch(ctx context.Context, ownerUserID string, ts []Transaction) error
		// DeleteOne removes a document. An absent document is not an error.
		DeleteOne(ctx context.Context, ownerUserID, transactionID string) error
	}

	TransactionReader interface {
		// FetchSince returns the owner's documents with date strictly after since.
		FetchSince(ctx context.Context, ownerUserID string, since time.Time) ([]Transaction, error)
	}

	ProfileWriter interface {
		PutProfile(ctx context.Context, p Profile) error
		PutCategories(ctx context.Context, ownerUserID string, cs []Category) error
		ProfileExists(ctx context.Context, email string) (bool, error)
		// DeleteProfile removes the profile and every document under it.
		DeleteProfile(ctx context.Context, userID string) error
	}

	Store interface {
		TransactionWriter
		TransactionReader
		ProfileWriter
		Close() error
	}
)
