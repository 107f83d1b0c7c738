package playback

import "testing"

type noopController struct{}

func (noopController) Release() {}

func TestLedgerInstallRemove(t *testing.T) {
	l := newResourceLedger(3)
	if l.size() != 0 || l.atCapacity() {
		t.Fatal("expected empty ledger")
	}
	l.install("a", noopController{})
	l.install("b", noopController{})
	if !l.holds("a") || !l.holds("b") || l.size() != 2 {
		t.Fatal("expected two held entries")
	}
	l.install("c", noopController{})
	if !l.atCapacity() {
		t.Fatal("expected ledger at capacity")
	}
	if _, ok := l.remove("b"); !ok {
		t.Fatal("expected removal of held entry")
	}
	if _, ok := l.remove("b"); ok {
		t.Fatal("expected second removal to be a no-op")
	}
	if l.size() != 2 || l.holds("b") {
		t.Fatal("expected b to be gone")
	}
}

func TestLedgerVictimFarthestFirst(t *testing.T) {
	l := newResourceLedger(5)
	l.install("near", noopController{})
	l.install("mid", noopController{})
	l.install("far", noopController{})

	dist := map[string]int{"near": 0, "mid": 2, "far": 7}
	id, ok := l.victim(func(id string) int { return dist[id] })
	if !ok || id != "far" {
		t.Fatalf("expected far to be evicted first, got %q", id)
	}
}

func TestLedgerVictimTieBreaksOldestAcquisition(t *testing.T) {
	l := newResourceLedger(5)
	l.install("first", noopController{})
	l.install("second", noopController{})

	id, ok := l.victim(func(string) int { return 4 })
	if !ok || id != "first" {
		t.Fatalf("expected oldest acquisition to win the tie, got %q", id)
	}
}

func TestLedgerVictimEmpty(t *testing.T) {
	l := newResourceLedger(5)
	if _, ok := l.victim(func(string) int { return 0 }); ok {
		t.Fatal("expected no victim from empty ledger")
	}
}
