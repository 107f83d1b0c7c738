package feed

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func newSigner(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// signEvent fills in PubKey, ID and Sig so the event verifies.
func signEvent(t *testing.T, priv *btcec.PrivateKey, ev Event) Event {
	t.Helper()
	ev.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id, err := ev.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	ev.ID = id
	digest, err := hex.DecodeString(id)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev
}

func videoEvent(t *testing.T, priv *btcec.PrivateKey, tags [][]string, content string) Event {
	t.Helper()
	return signEvent(t, priv, Event{
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Kind:      KindShortVideo,
		Tags:      tags,
		Content:   content,
	})
}

func TestSerializeCanonicalForm(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	ev := Event{
		PubKey:    pk,
		CreatedAt: 1700000000,
		Kind:      KindShortVideo,
		Tags:      [][]string{{"url", "https://cdn.example.com/a.mp4"}},
		Content:   `watch <this> & enjoy "now"`,
	}
	got, err := ev.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := `[0,"` + pk + `",1700000000,34236,[["url","https://cdn.example.com/a.mp4"]],"watch <this> & enjoy \"now\""]`
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestSerializeNilTagsAsEmptyArray(t *testing.T) {
	ev := Event{PubKey: strings.Repeat("00", 32), CreatedAt: 1, Kind: KindRepost}
	got, err := ev.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(string(got), ",[],") {
		t.Fatalf("expected empty tags array, got %s", got)
	}
}

func TestVerifyAcceptsSignedEvent(t *testing.T) {
	priv := newSigner(t)
	ev := videoEvent(t, priv, [][]string{{"url", "https://cdn.example.com/a.mp4"}}, "first post")
	if err := ev.Verify(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	priv := newSigner(t)
	ev := videoEvent(t, priv, nil, "original")
	ev.Content = "edited"
	if err := ev.Verify(); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("expected id mismatch, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	priv := newSigner(t)
	ev := videoEvent(t, priv, nil, "mine")

	// Re-sign the same id with a different key.
	other := newSigner(t)
	digest, err := hex.DecodeString(ev.ID)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	sig, err := schnorr.Sign(other, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())

	if err := ev.Verify(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestVerifyRejectsMalformedFields(t *testing.T) {
	priv := newSigner(t)
	base := videoEvent(t, priv, nil, "ok")

	cases := []struct {
		name   string
		mutate func(ev *Event)
	}{
		{"truncated signature", func(ev *Event) { ev.Sig = ev.Sig[:16] }},
		{"non-hex signature", func(ev *Event) { ev.Sig = strings.Repeat("zz", 64) }},
		{"non-hex pubkey", func(ev *Event) {
			ev.PubKey = strings.Repeat("zz", 32)
			id, _ := ev.ComputeID()
			ev.ID = id
		}},
		{"short pubkey", func(ev *Event) {
			ev.PubKey = "abcd"
			id, _ := ev.ComputeID()
			ev.ID = id
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := base
			tc.mutate(&ev)
			if err := ev.Verify(); err == nil {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestTagReturnsFirstMatch(t *testing.T) {
	ev := Event{Tags: [][]string{
		{"url", "https://a.example/v.mp4"},
		{"url", "https://b.example/v.mp4"},
		{"m", "video/mp4"},
		{"short"},
	}}
	if got := ev.Tag("url"); got != "https://a.example/v.mp4" {
		t.Fatalf("expected first url tag, got %q", got)
	}
	if got := ev.Tag("m"); got != "video/mp4" {
		t.Fatalf("expected mime tag, got %q", got)
	}
	if got := ev.Tag("missing"); got != "" {
		t.Fatalf("expected empty lookup, got %q", got)
	}
	if got := ev.Tag("short"); got != "" {
		t.Fatalf("expected valueless tag to read empty, got %q", got)
	}
}
