package lookout

import "time"

// VideoSummary describes one feed video together with its playback state.
type VideoSummary struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	PubKey    string `json:"pubkey"`
	Title     string `json:"title,omitempty"`
	Phase     string `json:"phase"`
	Retries   int    `json:"retries"`
	LastError string `json:"last_error,omitempty"`
}

// FeedSnapshotResponse is the full ordered feed with the cursor position.
type FeedSnapshotResponse struct {
	CurrentIndex int            `json:"current_index"`
	Videos       []VideoSummary `json:"videos"`
}

// ReadyVideosResponse lists only videos whose players are ready to start.
type ReadyVideosResponse struct {
	Videos []VideoSummary `json:"videos"`
}

// SetIndexRequest moves the feed cursor. Out-of-range values are clamped.
type SetIndexRequest struct {
	Index int `json:"index"`
}

// SetIndexResponse reports the cursor position after clamping.
type SetIndexResponse struct {
	Index int `json:"index"`
}

// RelayStatus describes one relay connection of the feed ingester.
type RelayStatus struct {
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	Events    uint64    `json:"events"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// RelaysResponse lists all configured relays and their connection state.
type RelaysResponse struct {
	Relays []RelayStatus `json:"relays"`
}
