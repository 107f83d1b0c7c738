package playback

import "time"

// ledgerEntry records one held controller.
type ledgerEntry struct {
	id         string
	controller Controller
	acquiredAt time.Time
	seq        uint64
}

// resourceLedger tracks which videos currently hold a live controller and
// enforces the active-count ceiling. It is not safe for concurrent use;
// the Manager serializes all access through its own lock.
type resourceLedger struct {
	ceiling int
	entries map[string]*ledgerEntry
	nextSeq uint64
}

func newResourceLedger(ceiling int) *resourceLedger {
	return &resourceLedger{
		ceiling: ceiling,
		entries: make(map[string]*ledgerEntry),
	}
}

func (l *resourceLedger) size() int { return len(l.entries) }

func (l *resourceLedger) holds(id string) bool {
	_, ok := l.entries[id]
	return ok
}

func (l *resourceLedger) atCapacity() bool { return len(l.entries) >= l.ceiling }

// install records a controller for id. The caller must have made room
// first; install never evicts on its own.
func (l *resourceLedger) install(id string, c Controller) {
	l.nextSeq++
	l.entries[id] = &ledgerEntry{
		id:         id,
		controller: c,
		acquiredAt: time.Now(),
		seq:        l.nextSeq,
	}
}

// remove drops id's entry and returns its controller for the caller to
// release. Removing an id that holds nothing is a no-op.
func (l *resourceLedger) remove(id string) (Controller, bool) {
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	delete(l.entries, id)
	return e.controller, true
}

// victim picks the least-relevant held entry: the one farthest from the
// current index, ties broken by oldest acquisition. The seq counter
// stands in for the acquisition timestamp so same-millisecond installs
// still order deterministically.
func (l *resourceLedger) victim(distance func(id string) int) (string, bool) {
	var (
		victimID   string
		victimDist = -1
		victimSeq  uint64
	)
	for id, e := range l.entries {
		d := distance(id)
		if d > victimDist || (d == victimDist && e.seq < victimSeq) {
			victimID = id
			victimDist = d
			victimSeq = e.seq
		}
	}
	if victimDist < 0 {
		return "", false
	}
	return victimID, true
}

// heldIDs returns the ids of all current entries in unspecified order.
func (l *resourceLedger) heldIDs() []string {
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	return ids
}
