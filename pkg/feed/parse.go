package feed

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"spyglass/pkg/playback"
)

// ParseError reports why an event could not yield a playable descriptor.
type ParseError struct {
	EventID string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable video event %s: %s", shortID(e.EventID), e.Reason)
}

func parseErrorf(id, format string, args ...interface{}) *ParseError {
	return &ParseError{EventID: id, Reason: fmt.Sprintf(format, args...)}
}

var mimeByExtension = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".m3u8": "application/x-mpegURL",
}

// ParseVideoEvent turns a video event into a playable descriptor. All tag
// heuristics and fallbacks live here so the playback core only ever sees
// validated descriptors. Reposts are unwrapped to the embedded original,
// verified, and flagged; the descriptor keeps the original's id so the
// manager dedups a video against its reposts.
func ParseVideoEvent(ev Event) (playback.VideoDescriptor, error) {
	switch ev.Kind {
	case KindRepost:
		return parseRepost(ev)
	case KindShortVideo, KindShortVideoLegacy:
		return parseVideo(ev)
	default:
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "unsupported kind %d", ev.Kind)
	}
}

func parseRepost(ev Event) (playback.VideoDescriptor, error) {
	if strings.TrimSpace(ev.Content) == "" {
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "repost without embedded event")
	}
	var inner Event
	if err := json.Unmarshal([]byte(ev.Content), &inner); err != nil {
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "repost content is not an event: %v", err)
	}
	if inner.Kind == KindRepost {
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "repost of a repost")
	}
	// The embedded event carries its own signature; the outer envelope's
	// signature says nothing about it.
	if err := inner.Verify(); err != nil {
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "embedded event rejected: %v", err)
	}
	desc, err := ParseVideoEvent(inner)
	if err != nil {
		return playback.VideoDescriptor{}, err
	}
	desc.Reshared = true
	desc.ResharedBy = ev.PubKey
	desc.ResharedAt = time.Unix(ev.CreatedAt, 0).UTC()
	return desc, nil
}

func parseVideo(ev Event) (playback.VideoDescriptor, error) {
	desc := playback.VideoDescriptor{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: time.Unix(ev.CreatedAt, 0).UTC(),
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "imeta":
			applyIMeta(&desc, tag[1:])
		case "url":
			if desc.URL == "" {
				desc.URL = tag[1]
			}
		case "m":
			if desc.MimeType == "" {
				desc.MimeType = tag[1]
			}
		case "thumb", "image":
			if desc.ThumbnailURL == "" {
				desc.ThumbnailURL = tag[1]
			}
		case "dim":
			applyDim(&desc, tag[1])
		case "duration":
			if secs, err := strconv.Atoi(tag[1]); err == nil && secs > 0 {
				desc.Duration = time.Duration(secs) * time.Second
			}
		case "title", "summary":
			if desc.Title == "" {
				desc.Title = tag[1]
			}
		}
	}

	if desc.URL == "" {
		desc.URL = scanContentForURL(ev.Content)
	}
	if desc.URL == "" {
		return playback.VideoDescriptor{}, parseErrorf(ev.ID, "no playable source")
	}
	if desc.MimeType == "" {
		desc.MimeType = inferMimeType(desc.URL)
	}
	if desc.Title == "" {
		if caption := strings.TrimSpace(ev.Content); caption != "" && caption != desc.URL {
			desc.Title = caption
		}
	}
	return desc, nil
}

// applyIMeta reads the space-separated key/value pairs of an imeta tag,
// e.g. "url https://...", "dim 1080x1920", "image https://...".
func applyIMeta(desc *playback.VideoDescriptor, fields []string) {
	for _, f := range fields {
		key, value, found := strings.Cut(f, " ")
		if !found || value == "" {
			continue
		}
		switch key {
		case "url":
			if desc.URL == "" {
				desc.URL = value
			}
		case "m":
			if desc.MimeType == "" {
				desc.MimeType = value
			}
		case "image", "thumb":
			if desc.ThumbnailURL == "" {
				desc.ThumbnailURL = value
			}
		case "dim":
			applyDim(desc, value)
		case "duration":
			if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
				desc.Duration = time.Duration(secs) * time.Second
			}
		}
	}
}

// applyDim parses a "WxH" spec; malformed specs are ignored.
func applyDim(desc *playback.VideoDescriptor, spec string) {
	w, h, found := strings.Cut(spec, "x")
	if !found {
		return
	}
	width, werr := strconv.Atoi(w)
	height, herr := strconv.Atoi(h)
	if werr == nil && herr == nil && width > 0 && height > 0 {
		desc.Width = width
		desc.Height = height
	}
}

// scanContentForURL is the last-resort source lookup for events that
// carry the link in their caption text. A token with a recognized video
// extension wins over the first arbitrary link.
func scanContentForURL(content string) string {
	first := ""
	for _, tok := range strings.Fields(content) {
		tok = strings.TrimRight(tok, ".,;:!?")
		if !strings.HasPrefix(tok, "http://") && !strings.HasPrefix(tok, "https://") {
			continue
		}
		if inferMimeType(tok) != "" {
			return tok
		}
		if first == "" {
			first = tok
		}
	}
	return first
}

func inferMimeType(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return mimeByExtension[strings.ToLower(path.Ext(u))]
}
