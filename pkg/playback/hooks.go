package playback

// MetricsHooks lets callers observe manager activity without the package
// depending on a metrics backend. Hooks run with the manager lock held;
// they must be fast and must not call back into the Manager.
type MetricsHooks struct {
	// OnAcquire fires when an acquire attempt concludes. Outcome is one
	// of "ready", "failed", "timeout", "ghost".
	OnAcquire func(outcome string)

	// OnEvict fires when a held controller is reclaimed. Reason is one
	// of "ceiling", "window", "pressure", "dispose", "close", "reload".
	OnEvict func(reason string)

	// OnTransition fires after every phase change.
	OnTransition func(from, to string)

	// OnLedgerSize reports the entry count after each ledger mutation.
	OnLedgerSize func(n int)

	// OnRecompute fires once per window convergence pass.
	OnRecompute func()
}

func (h MetricsHooks) acquire(outcome string) {
	if h.OnAcquire != nil {
		h.OnAcquire(outcome)
	}
}

func (h MetricsHooks) evict(reason string) {
	if h.OnEvict != nil {
		h.OnEvict(reason)
	}
}

func (h MetricsHooks) transition(from, to Phase) {
	if h.OnTransition != nil {
		h.OnTransition(from.String(), to.String())
	}
}

func (h MetricsHooks) ledgerSize(n int) {
	if h.OnLedgerSize != nil {
		h.OnLedgerSize(n)
	}
}

func (h MetricsHooks) recompute() {
	if h.OnRecompute != nil {
		h.OnRecompute()
	}
}
