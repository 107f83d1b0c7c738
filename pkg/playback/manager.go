package playback

import (
	"errors"
	"math"
	"sync"
	"time"

	"spyglass/pkg/logging"
)

// Defaults applied by NewManager for Config fields left at zero.
const (
	DefaultControllerCeiling = 15
	DefaultMaxRetries        = 3
	DefaultBehind            = 1
	DefaultAhead             = 3
	DefaultAcquireTimeout    = 12 * time.Second
	DefaultDebounceInterval  = 75 * time.Millisecond

	// pressureFloor is the smallest ceiling HandleMemoryPressure will
	// shrink the ledger to.
	pressureFloor = 3
)

// Config configures a Manager.
type Config struct {
	// Factory initializes playback resources. Required.
	Factory ControllerFactory

	// ControllerCeiling caps simultaneously held controllers.
	ControllerCeiling int

	// MaxRetries bounds automatic retries per video; one more failure
	// past it moves the video to PermanentlyFailed.
	MaxRetries int

	// Behind and Ahead size the preload window around the current
	// index. Ahead exceeds Behind because forward scroll dominates.
	Behind int
	Ahead  int

	// AcquireTimeout bounds each factory acquire. An acquire that
	// neither completes nor fails within it is treated as a failure.
	AcquireTimeout time.Duration

	// DebounceInterval coalesces recomputes from rapid index changes:
	// calls within the interval collapse to one pass over the latest
	// index. Zero recomputes synchronously, which tests rely on.
	DebounceInterval time.Duration

	// Logger is optional; a silent logger is used when nil.
	Logger logging.Logger

	// Hooks are optional metrics callbacks.
	Hooks MetricsHooks
}

// DefaultConfig returns the production defaults. The caller still has to
// set Factory.
func DefaultConfig() Config {
	return Config{
		ControllerCeiling: DefaultControllerCeiling,
		MaxRetries:        DefaultMaxRetries,
		Behind:            DefaultBehind,
		Ahead:             DefaultAhead,
		AcquireTimeout:    DefaultAcquireTimeout,
		DebounceInterval:  DefaultDebounceInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.ControllerCeiling <= 0 {
		c.ControllerCeiling = DefaultControllerCeiling
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Behind <= 0 {
		c.Behind = DefaultBehind
	}
	if c.Ahead <= 0 {
		c.Ahead = DefaultAhead
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// videoRecord is the manager-internal wrapper around a VideoState. The
// generation counter detects stale acquire completions: any reclaim of
// the video's resource bumps it, so a completion carrying an old
// generation is released instead of installed.
type videoRecord struct {
	state VideoState
	gen   uint64
}

// Manager owns the ordered video collection, the lifecycle records and
// the resource ledger. Every mutation is serialized through one lock;
// resource acquisition runs concurrently but each outcome is applied
// back through the same lock, so no two mutations ever race.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger

	order  []string // descriptor ids in feed order
	pos    map[string]int
	states map[string]*videoRecord
	ledger *resourceLedger

	index      int
	lastActive string // video the user most recently scrolled away from

	loading     map[string]struct{} // ids with an acquire in flight
	debounce    *time.Timer
	debounceGen uint64 // identifies the latest armed timer
	acquires    sync.WaitGroup

	subs    map[uint64]chan struct{}
	nextSub uint64

	closed bool
}

// NewManager constructs a Manager. The factory is required; every other
// Config field falls back to its default when zero.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("playback: Config.Factory is required")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		pos:     make(map[string]int),
		states:  make(map[string]*videoRecord),
		ledger:  newResourceLedger(cfg.ControllerCeiling),
		loading: make(map[string]struct{}),
		subs:    make(map[uint64]chan struct{}),
	}, nil
}

// Subscribe registers a change listener and returns its notification
// channel plus a cancel func. The channel holds one coalesced tick: any
// number of mutations since the last receive pend exactly one token. It
// closes when the subscription is cancelled or the manager closes.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	ch := make(chan struct{}, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// AddVideo appends a descriptor to the feed. A duplicate id is a no-op:
// the first-seen descriptor wins. Never blocks on convergence work.
func (m *Manager) AddVideo(desc VideoDescriptor) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.states[desc.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.pos[desc.ID] = len(m.order)
	m.order = append(m.order, desc.ID)
	m.states[desc.ID] = &videoRecord{state: VideoState{
		Descriptor:   desc,
		Phase:        PhaseNotLoaded,
		TransitionAt: time.Now(),
	}}
	m.notifyLocked()
	released := m.scheduleRecomputeLocked()
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// Videos returns a snapshot of the feed in order.
func (m *Manager) Videos() []VideoDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	out := make([]VideoDescriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.states[id].state.Descriptor)
	}
	return out
}

// ReadyVideos returns the ordered subsequence of videos whose players
// are ready to start.
func (m *Manager) ReadyVideos() []VideoDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	out := make([]VideoDescriptor, 0, len(m.order))
	for _, id := range m.order {
		if rec := m.states[id]; rec.state.Phase == PhaseReady {
			out = append(out, rec.state.Descriptor)
		}
	}
	return out
}

// States returns a snapshot of every lifecycle record in feed order.
func (m *Manager) States() []VideoState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	out := make([]VideoState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.states[id].state)
	}
	return out
}

// GetState returns a copy of one video's lifecycle record.
func (m *Manager) GetState(id string) (VideoState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return VideoState{}, ErrManagerClosed
	}
	rec, ok := m.states[id]
	if !ok {
		return VideoState{}, ErrNotFound
	}
	return rec.state, nil
}

// CurrentIndex returns the clamped viewing position.
func (m *Manager) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// SetCurrentIndex reports the viewing position. Out-of-range values are
// clamped, never rejected. The recompute is deferred through the
// debounce so rapid scrolling collapses to one pass; the call itself
// returns immediately.
func (m *Manager) SetCurrentIndex(index int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	n := len(m.order)
	if index < 0 || n == 0 {
		index = 0
	} else if index > n-1 {
		index = n - 1
	}
	if n > 0 && index != m.index && m.index < n {
		m.lastActive = m.order[m.index]
	}
	m.index = index
	released := m.scheduleRecomputeLocked()
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// RequestLoad explicitly (re)loads one video. A Failed video gets its
// retry budget back: the counter resets before the attempt. A
// PermanentlyFailed record is replaced wholesale by a fresh one, which
// keeps the old record's absorbing semantics intact while giving the
// user a genuine second chance. Loading is a no-op; Ready reloads.
func (m *Manager) RequestLoad(id string) error {
	var released []Controller
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	rec, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	switch rec.state.Phase {
	case PhaseLoading:
		m.mu.Unlock()
		return nil
	case PhaseDisposed:
		m.mu.Unlock()
		return transitionError(PhaseDisposed, PhaseLoading)
	case PhasePermanentlyFailed:
		rec = &videoRecord{
			state: VideoState{
				Descriptor:   rec.state.Descriptor,
				Phase:        PhaseNotLoaded,
				TransitionAt: time.Now(),
			},
			gen: rec.gen + 1,
		}
		m.states[id] = rec
	case PhaseNotLoaded:
		// An abandoned retry may have parked the record here with its
		// counter intact; the explicit request restores the full budget.
		rec.state.Retries = 0
	case PhaseFailed:
		rec.state.Retries = 0
	case PhaseReady:
		if c, held := m.ledger.remove(id); held {
			released = append(released, c)
			rec.gen++
			m.cfg.Hooks.evict("reload")
			m.cfg.Hooks.ledgerSize(m.ledger.size())
		}
	}

	m.startAcquireLocked(id, rec)
	m.notifyLocked()
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// Dispose tears down one video's resource for good. Idempotent: once the
// record is terminal further calls are no-ops. A PermanentlyFailed
// record holds no resource and is left as it is.
func (m *Manager) Dispose(id string) error {
	var released []Controller
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	rec, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if rec.state.Phase.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if c, held := m.ledger.remove(id); held {
		released = append(released, c)
		m.cfg.Hooks.evict("dispose")
		m.cfg.Hooks.ledgerSize(m.ledger.size())
	}
	rec.gen++
	delete(m.loading, id)
	_ = m.applyTransition(rec, (*VideoState).toDisposed)
	m.notifyLocked()
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// HandleMemoryPressure immediately shrinks the ledger to half its
// ceiling (floor 3), evicting farthest-from-index entries first. The
// normal ceiling applies again to subsequent acquires.
func (m *Manager) HandleMemoryPressure() error {
	var released []Controller
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	target := max(m.cfg.ControllerCeiling/2, pressureFloor)
	evicted := 0
	for m.ledger.size() > target {
		id, ok := m.ledger.victim(m.distanceLocked)
		if !ok {
			break
		}
		c, _ := m.ledger.remove(id)
		released = append(released, c)
		rec := m.states[id]
		rec.gen++
		_ = m.applyTransition(rec, (*VideoState).toNotLoaded)
		m.cfg.Hooks.evict("pressure")
		evicted++
	}
	if evicted > 0 {
		m.cfg.Hooks.ledgerSize(m.ledger.size())
		m.logger.WithFields(logging.Fields{
			"evicted": evicted,
			"held":    m.ledger.size(),
			"target":  target,
		}).Info("Memory pressure shrink")
		m.notifyLocked()
	}
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// Close releases every held controller, stops the scheduler and closes
// every subscriber channel. Every other method fails afterwards.
// Idempotent.
func (m *Manager) Close() error {
	var released []Controller
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	for _, id := range m.ledger.heldIDs() {
		if c, held := m.ledger.remove(id); held {
			released = append(released, c)
			m.cfg.Hooks.evict("close")
		}
	}
	m.cfg.Hooks.ledgerSize(0)
	for _, rec := range m.states {
		rec.gen++
		if !rec.state.Phase.Terminal() {
			_ = m.applyTransition(rec, (*VideoState).toDisposed)
		}
	}
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
	releaseAll(released)
	return nil
}

// settle blocks until every in-flight acquire outcome has been applied.
// Test helper; production callers react to Subscribe ticks instead.
func (m *Manager) settle() {
	m.acquires.Wait()
}

func (m *Manager) notifyLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// applyTransition runs one state-machine move and reports it to the
// metrics hooks.
func (m *Manager) applyTransition(rec *videoRecord, fn func(*VideoState) error) error {
	from := rec.state.Phase
	if err := fn(&rec.state); err != nil {
		return err
	}
	m.cfg.Hooks.transition(from, rec.state.Phase)
	return nil
}

// distanceLocked measures feed distance from the current index. Ids no
// longer in the collection sort farthest so they evict first.
func (m *Manager) distanceLocked(id string) int {
	p, ok := m.pos[id]
	if !ok {
		return math.MaxInt
	}
	d := p - m.index
	if d < 0 {
		d = -d
	}
	return d
}

func releaseAll(controllers []Controller) {
	for _, c := range controllers {
		c.Release()
	}
}
