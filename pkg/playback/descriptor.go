package playback

import "time"

// VideoDescriptor is an immutable description of one playable feed item.
// Descriptors are produced by the feed parser, which validates them before
// they ever reach the manager; the manager never mutates one.
type VideoDescriptor struct {
	// ID is the stable content-addressed identifier from the origin
	// protocol. A repost carries the original's id.
	ID string

	// URL locates the playable source.
	URL string

	// ThumbnailURL optionally locates a poster image.
	ThumbnailURL string

	// MimeType is the declared container type, when known.
	MimeType string

	// Duration is zero when the origin event did not declare one.
	Duration time.Duration

	// Width and Height are zero when dimensions were not declared.
	Width  int
	Height int

	// Title is the optional human-readable caption.
	Title string

	// PubKey identifies the original author.
	PubKey string

	// CreatedAt is the origin event's creation timestamp.
	CreatedAt time.Time

	// Reshared marks a repost. The playable content and ID are the
	// original's; only the resharing actor and timestamp differ.
	Reshared   bool
	ResharedBy string
	ResharedAt time.Time
}
