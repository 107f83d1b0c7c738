package stevedore

import "time"

// UploadStatus tracks an upload from the moment it is signed until the CDN
// can serve it.
type UploadStatus string

const (
	// StatusPending means a presigned URL was issued but the object has
	// not been observed in storage yet.
	StatusPending UploadStatus = "pending"
	// StatusProcessing means the landed object was verified and
	// transcode/packaging is underway.
	StatusProcessing UploadStatus = "processing"
	// StatusReady means the CDN probe confirmed the rendition is servable.
	StatusReady UploadStatus = "ready"
	// StatusFailed means processing gave up on the object.
	StatusFailed UploadStatus = "failed"
)

// SignUploadRequest asks Stevedore for a presigned PUT URL.
type SignUploadRequest struct {
	FileName    string `json:"file_name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,videomime"`
	SizeBytes   int64  `json:"size_bytes" validate:"required,gt=0"`
	PubKey      string `json:"pubkey" validate:"required,hex64"`
	Title       string `json:"title,omitempty" validate:"omitempty,max=200"`
}

// SignUploadResponse carries the presigned URL plus the session token the
// client must present on every follow-up call for this upload.
type SignUploadResponse struct {
	UploadID  string    `json:"upload_id"`
	UploadURL string    `json:"upload_url"`
	ObjectKey string    `json:"object_key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompleteUploadRequest notifies Stevedore that the client finished its PUT.
type CompleteUploadRequest struct {
	ETag string `json:"etag,omitempty"`
}

// UploadStatusResponse is returned by the status poll endpoint.
type UploadStatusResponse struct {
	UploadID    string       `json:"upload_id"`
	Status      UploadStatus `json:"status"`
	PlaybackURL string       `json:"playback_url,omitempty"`
	Error       string       `json:"error,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// StatusEvent is broadcast over Redis pubsub whenever an upload changes
// status, so every Stevedore replica sees transitions made by its peers.
type StatusEvent struct {
	UploadID string       `json:"upload_id"`
	Status   UploadStatus `json:"status"`
	At       time.Time    `json:"at"`
}
