package playback

import (
	"context"
	"errors"
	"time"

	"spyglass/pkg/logging"
)

// preloadWindow returns the inclusive bounds of the target resourced
// window around index for a collection of length n. The window is kept
// small relative to the controller ceiling so rapid scrolling cannot
// thrash the ledger.
func preloadWindow(index, behind, ahead, n int) (lo, hi int) {
	if n == 0 {
		return 0, -1
	}
	lo = index - behind
	if lo < 0 {
		lo = 0
	}
	hi = index + ahead
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

// windowOrder lists the window indices closest-first from index, so the
// visible video resolves before lookahead and lookbehind. The forward
// side wins distance ties because forward scroll dominates.
func windowOrder(index, lo, hi int) []int {
	if hi < lo {
		return nil
	}
	if index < lo {
		index = lo
	}
	if index > hi {
		index = hi
	}
	order := make([]int, 0, hi-lo+1)
	order = append(order, index)
	for d := 1; ; d++ {
		forward, back := index+d, index-d
		inForward, inBack := forward <= hi, back >= lo
		if !inForward && !inBack {
			break
		}
		if inForward {
			order = append(order, forward)
		}
		if inBack {
			order = append(order, back)
		}
	}
	return order
}

// scheduleRecomputeLocked either recomputes inline (no debounce) or arms
// the debounce timer. Re-arming an already pending timer pushes it back,
// so a burst of index changes yields one pass over the latest index. The
// generation counter discards a timer that fired while being replaced.
func (m *Manager) scheduleRecomputeLocked() []Controller {
	if m.cfg.DebounceInterval <= 0 {
		return m.recomputeLocked()
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounceGen++
	gen := m.debounceGen
	m.debounce = time.AfterFunc(m.cfg.DebounceInterval, func() {
		m.recomputePass(gen)
	})
	return nil
}

// recomputePass is the debounce timer target.
func (m *Manager) recomputePass(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.debounceGen {
		m.mu.Unlock()
		return
	}
	m.debounce = nil
	released := m.recomputeLocked()
	m.mu.Unlock()
	releaseAll(released)
}

// recomputeLocked converges resourced state toward the target window:
// controllers outside the window are released (with one grace slot for
// the video the user just scrolled away from), in-flight acquires that
// left the window are abandoned, and missing in-window loads are issued
// closest-first. Failed videos inside the window are re-attempted on
// every pass; the permanent-failure redirect in the state machine is
// what stops that cycle. Returns released controllers for the caller to
// free after unlocking.
func (m *Manager) recomputeLocked() []Controller {
	if m.closed || len(m.order) == 0 {
		return nil
	}
	m.cfg.Hooks.recompute()
	lo, hi := preloadWindow(m.index, m.cfg.Behind, m.cfg.Ahead, len(m.order))

	var released []Controller
	changed := false

	for _, id := range m.ledger.heldIDs() {
		if p := m.pos[id]; p >= lo && p <= hi {
			continue
		}
		if id == m.lastActive {
			continue // grace slot against one-step-back flicker
		}
		c, _ := m.ledger.remove(id)
		released = append(released, c)
		rec := m.states[id]
		rec.gen++
		_ = m.applyTransition(rec, (*VideoState).toNotLoaded)
		m.cfg.Hooks.evict("window")
		m.logger.WithFields(logging.Fields{"video_id": id}).Debug("Released out-of-window controller")
		changed = true
	}
	if len(released) > 0 {
		m.cfg.Hooks.ledgerSize(m.ledger.size())
	}

	// Acquires in flight for videos that left the window are not
	// interrupted; bumping the generation makes their completion release
	// the controller instead of installing it.
	for id := range m.loading {
		if p, ok := m.pos[id]; ok && p >= lo && p <= hi {
			continue
		}
		if id == m.lastActive {
			continue
		}
		rec := m.states[id]
		rec.gen++
		delete(m.loading, id)
		_ = m.applyTransition(rec, (*VideoState).toNotLoaded)
		changed = true
	}

	for _, idx := range windowOrder(m.index, lo, hi) {
		rec := m.states[m.order[idx]]
		switch rec.state.Phase {
		case PhaseNotLoaded, PhaseFailed:
			m.startAcquireLocked(m.order[idx], rec)
			changed = true
		}
	}

	if changed {
		m.notifyLocked()
	}
	return released
}

// startAcquireLocked moves the record into Loading and launches the
// factory call. The captured generation ties the eventual outcome to
// this attempt.
func (m *Manager) startAcquireLocked(id string, rec *videoRecord) {
	if err := m.applyTransition(rec, (*VideoState).toLoading); err != nil {
		return
	}
	rec.gen++
	m.loading[id] = struct{}{}
	gen := rec.gen
	desc := rec.state.Descriptor
	m.acquires.Add(1)
	go m.runAcquire(id, gen, desc)
}

func (m *Manager) runAcquire(id string, gen uint64, desc VideoDescriptor) {
	defer m.acquires.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AcquireTimeout)
	defer cancel()

	type result struct {
		ctrl Controller
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		ctrl, err := m.cfg.Factory.Acquire(ctx, desc)
		resCh <- result{ctrl: ctrl, err: err}
	}()

	select {
	case res := <-resCh:
		m.applyAcquire(id, gen, res.ctrl, res.err)
	case <-ctx.Done():
		// The factory overran its budget. Fail the attempt now and
		// drain whatever it eventually produces.
		go func() {
			if res := <-resCh; res.ctrl != nil {
				res.ctrl.Release()
			}
		}()
		m.applyAcquire(id, gen, nil, ErrAcquireTimeout)
	}
}

// applyAcquire feeds an acquire outcome back through the manager's
// serialization. A completion whose generation no longer matches lost a
// race with eviction, release or disposal; its controller is freed on
// the spot and never installed.
func (m *Manager) applyAcquire(id string, gen uint64, ctrl Controller, err error) {
	var released []Controller
	m.mu.Lock()
	rec, ok := m.states[id]
	if m.closed || !ok || rec.gen != gen || rec.state.Phase != PhaseLoading {
		m.cfg.Hooks.acquire("ghost")
		m.mu.Unlock()
		if ctrl != nil {
			ctrl.Release()
		}
		return
	}
	delete(m.loading, id)

	if err != nil {
		ae := &AcquireError{
			Cause:   err,
			Timeout: errors.Is(err, ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded),
		}
		outcome := "failed"
		if ae.Timeout {
			outcome = "timeout"
		}
		from := rec.state.Phase
		_ = rec.state.toFailed(ae.Error(), m.cfg.MaxRetries)
		m.cfg.Hooks.transition(from, rec.state.Phase)
		m.cfg.Hooks.acquire(outcome)
		m.logger.WithFields(logging.Fields{
			"video_id": id,
			"phase":    rec.state.Phase.String(),
			"retries":  rec.state.Retries,
			"error":    ae.Error(),
		}).Warn("Video acquire failed")
		m.notifyLocked()
		m.mu.Unlock()
		return
	}

	// Make room under the ceiling before installing.
	for m.ledger.atCapacity() {
		victimID, found := m.ledger.victim(m.distanceLocked)
		if !found {
			break
		}
		c, _ := m.ledger.remove(victimID)
		released = append(released, c)
		vrec := m.states[victimID]
		vrec.gen++
		_ = m.applyTransition(vrec, (*VideoState).toNotLoaded)
		m.cfg.Hooks.evict("ceiling")
	}

	m.ledger.install(id, ctrl)
	_ = m.applyTransition(rec, (*VideoState).toReady)
	m.cfg.Hooks.acquire("ready")
	m.cfg.Hooks.ledgerSize(m.ledger.size())
	m.notifyLocked()
	m.mu.Unlock()
	releaseAll(released)
}
