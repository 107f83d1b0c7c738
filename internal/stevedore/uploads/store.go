package uploads

import (
	"context"
	"errors"
	"time"

	stevedoreapi "spyglass/pkg/api/stevedore"
)

// DefaultTTL is how long an upload record is tracked. An object that is
// neither completed nor served within it is considered abandoned.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned for upload ids that were never signed or whose
// records have expired.
var ErrNotFound = errors.New("upload not found")

// Record is the persisted state of one upload session, from signing
// until the CDN serves the object or the record expires.
type Record struct {
	UploadID    string                    `json:"upload_id"`
	PubKey      string                    `json:"pubkey"`
	FileName    string                    `json:"file_name"`
	ContentType string                    `json:"content_type"`
	SizeBytes   int64                     `json:"size_bytes"`
	Title       string                    `json:"title,omitempty"`
	ObjectKey   string                    `json:"object_key"`
	Status      stevedoreapi.UploadStatus `json:"status"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Store persists upload records. Implementations bound record lifetime
// with a TTL so abandoned uploads age out on their own.
type Store interface {
	// Put stores a fresh record under its UploadID.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for uploadID or ErrNotFound.
	Get(ctx context.Context, uploadID string) (Record, error)

	// SetStatus moves an existing record to status, replacing its error
	// string, and returns the updated record. The record's TTL is not
	// extended.
	SetStatus(ctx context.Context, uploadID string, status stevedoreapi.UploadStatus, errMsg string) (Record, error)
}
