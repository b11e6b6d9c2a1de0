// Package state owns the authoritative application document for the relay.
// All mutations are serialized through a single writer goroutine and applied
// as validated RFC 6902 patches. Every applied patch is replicated on the
// event bus as an incremental state:patch event; full snapshots are emitted
// on a gated cadence. The rule engine receives a dot-path delta per commit.
package state

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/metrics"
)

const (
	// DefaultFullStateInterval is the cadence for periodic full snapshots.
	DefaultFullStateInterval = 5 * time.Minute
	// DefaultQueueSize bounds the mutation channel; producers block when full.
	DefaultQueueSize = 1024
)

// ErrStopped is returned for mutations submitted after shutdown.
var ErrStopped = errors.New("state manager stopped")

// Recorder receives every emitted replication event for append-only capture.
// Implementations must not block the caller.
type Recorder interface {
	Record(event string, data interface{})
}

// DeltaSink receives the dot-path delta of each committed patch.
// The rule engine registers itself here.
type DeltaSink func(delta Delta, source string)

// PatchEnvelope is the wire form of an incremental replication event.
type PatchEnvelope struct {
	Type       string    `json:"type"`
	Data       []PatchOp `json:"data"`
	BoatID     string    `json:"boatId"`
	Timestamp  int64     `json:"timestamp"`
	UpdateType string    `json:"updateType,omitempty"`
}

// FullStateEnvelope is the wire form of a full snapshot event.
type FullStateEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	BoatID    string                 `json:"boatId"`
	Role      string                 `json:"role"`
	Timestamp int64                  `json:"timestamp"`
}

// Options configures a Manager.
type Options struct {
	BoatID            string
	Bus               *events.Bus
	Logger            *zap.Logger
	Recorder          Recorder
	Initial           map[string]interface{}
	FullStateInterval time.Duration
	QueueSize         int
	DisallowedTokens  []string
}

type mutation struct {
	run   func() error
	reply chan error
}

// Manager holds the document and serializes all mutations.
type Manager struct {
	logger            *zap.Logger
	bus               *events.Bus
	recorder          Recorder
	boatID            string
	fullStateInterval time.Duration
	disallowedTokens  []string

	mutCh    chan mutation
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu  sync.RWMutex
	doc map[string]interface{}

	deltaSink DeltaSink

	hasSentInitialFullState bool
	lastFullStateTime       time.Time

	btMu    sync.Mutex
	btQueue map[string]queuedDevice
	btTimer *time.Timer
	btDue   time.Time
}

// NewManager creates a state manager. Call Start before submitting mutations.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	doc := opts.Initial
	if doc == nil {
		doc = DefaultDocument()
	}
	interval := opts.FullStateInterval
	if interval <= 0 {
		interval = DefaultFullStateInterval
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	disallowed := opts.DisallowedTokens
	if disallowed == nil {
		// Legacy altitude operations are dropped by repository policy.
		disallowed = []string{"altitude"}
	}

	return &Manager{
		logger:            logger,
		bus:               opts.Bus,
		recorder:          opts.Recorder,
		boatID:            opts.BoatID,
		fullStateInterval: interval,
		disallowedTokens:  disallowed,
		mutCh:             make(chan mutation, queue),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		doc:               deepCopy(doc),
		btQueue:           make(map[string]queuedDevice),
	}
}

// SetDeltaSink registers the rule engine hook. Must be called before Start.
func (m *Manager) SetDeltaSink(sink DeltaSink) {
	m.deltaSink = sink
}

// Start launches the writer goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop drains nothing: pending mutations past the stop signal return ErrStopped.
// The bluetooth batch timer is cancelled.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh

		m.btMu.Lock()
		if m.btTimer != nil {
			m.btTimer.Stop()
			m.btTimer = nil
		}
		m.btMu.Unlock()
	})
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case mut := <-m.mutCh:
			err := mut.run()
			if mut.reply != nil {
				mut.reply <- err
			}
		}
	}
}

// submit enqueues a mutation and waits for the writer to apply it.
// Blocks when the mutation channel is full (backpressure).
func (m *Manager) submit(run func() error) error {
	reply := make(chan error, 1)
	select {
	case m.mutCh <- mutation{run: run, reply: reply}:
	case <-m.stopCh:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.stopCh:
		return ErrStopped
	}
}

// ApplyPatch validates and applies a JSON-Patch submission.
func (m *Manager) ApplyPatch(ops []PatchOp) error {
	return m.ApplyPatchWithType(ops, "")
}

// ApplyPatchWithType applies a patch tagged with a replication update type
// ("discovery", "update", "sensor", "metadata" or empty).
func (m *Manager) ApplyPatchWithType(ops []PatchOp, updateType string) error {
	return m.submit(func() error {
		return m.applyOps(ops, updateType)
	})
}

// applyOps runs on the writer goroutine only.
func (m *Manager) applyOps(ops []PatchOp, updateType string) error {
	validated, err := m.filterOps(ops)
	if err != nil {
		metrics.PatchSubmissionsRejected.Inc()
		return err
	}
	if len(validated) == 0 {
		return nil
	}

	before := m.doc
	after, err := applyValidated(before, validated)
	if err != nil {
		metrics.PatchSubmissionsRejected.Inc()
		return err
	}
	delta := computeDelta(before, validated)

	m.mu.Lock()
	m.doc = after
	m.mu.Unlock()

	now := time.Now()
	if m.shouldEmitFullState(now) {
		m.emitFullState(now)
	}
	m.emitPatch(validated, updateType, now)
	metrics.PatchOpsApplied.Add(float64(len(validated)))

	if m.deltaSink != nil {
		m.deltaSink(delta, updateType)
	}
	return nil
}

// shouldEmitFullState gates the snapshot stream: once before the first
// incremental emission, then at most every fullStateInterval.
func (m *Manager) shouldEmitFullState(now time.Time) bool {
	if !m.hasSentInitialFullState {
		return true
	}
	return now.Sub(m.lastFullStateTime) >= m.fullStateInterval
}

func (m *Manager) emitFullState(now time.Time) {
	env := FullStateEnvelope{
		Type:      string(events.StateFullUpdate),
		Data:      m.Snapshot(),
		BoatID:    m.boatID,
		Role:      "boat-server",
		Timestamp: now.UnixMilli(),
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.StateFullUpdate, Detail: env})
	}
	if m.recorder != nil {
		m.recorder.Record(string(events.StateFullUpdate), env)
	}
	m.hasSentInitialFullState = true
	m.lastFullStateTime = now
	metrics.FullStatesEmitted.Inc()
}

func (m *Manager) emitPatch(ops []PatchOp, updateType string, now time.Time) {
	env := PatchEnvelope{
		Type:       string(events.StatePatch),
		Data:       ops,
		BoatID:     m.boatID,
		Timestamp:  now.UnixMilli(),
		UpdateType: updateType,
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.StatePatch, Detail: env})
	}
	if m.recorder != nil {
		m.recorder.Record(string(events.StatePatch), env)
	}
}

func (m *Manager) logDroppedOp(op PatchOp, reason string) {
	metrics.PatchOpsDropped.WithLabelValues(reason).Inc()
	m.logger.Debug("dropped patch op",
		zap.String("op", op.Op),
		zap.String("path", op.Path),
		zap.String("reason", reason),
	)
}

// Snapshot returns a deep copy of the document.
func (m *Manager) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopy(m.doc)
}

// ValueAt resolves a JSON pointer against a consistent view of the document.
func (m *Manager) ValueAt(pointer string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := valueAt(m.doc, pointer)
	if !ok {
		return nil, false
	}
	if mp, isMap := v.(map[string]interface{}); isMap {
		return deepCopy(mp), true
	}
	return v, true
}

// BoatID returns the configured boat identifier.
func (m *Manager) BoatID() string { return m.boatID }

// NotifyClientAttached triggers the one-time initial full snapshot when the
// first client attaches before any mutation has landed.
func (m *Manager) NotifyClientAttached() {
	_ = m.submit(func() error {
		if !m.hasSentInitialFullState {
			m.emitFullState(time.Now())
		}
		return nil
	})
}

// SetWeatherData replaces the forecast sub-tree wholesale.
func (m *Manager) SetWeatherData(v interface{}) error {
	return m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/forecast", Value: v}})
}

// SetTideData replaces the tides sub-tree wholesale.
func (m *Manager) SetTideData(v interface{}) error {
	return m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/tides", Value: v}})
}

// UpdateAnchorState replaces the anchor sub-tree.
func (m *Manager) UpdateAnchorState(v interface{}) error {
	return m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/anchor", Value: v}})
}

// preservedSubtrees are authoritative locally and survive external swaps.
var preservedSubtrees = []string{"anchor", "tides", "forecast", "bluetooth"}

// ReceiveExternalStateUpdate replaces the document wholesale except for the
// locally-authoritative sub-trees, which are carried over from the current
// document. Emits one full snapshot and feeds changed top-level keys to the
// rule engine.
func (m *Manager) ReceiveExternalStateUpdate(v map[string]interface{}) error {
	return m.submit(func() error {
		next := deepCopy(v)
		for _, key := range preservedSubtrees {
			if cur, ok := m.doc[key]; ok {
				next[key] = cur
			} else {
				delete(next, key)
			}
		}

		delta := make(Delta)
		for key, val := range next {
			if !jsonEqual(m.doc[key], val) {
				delta[key] = val
			}
		}
		for key := range m.doc {
			if _, ok := next[key]; !ok {
				delta[key] = Removed
			}
		}

		m.mu.Lock()
		m.doc = next
		m.mu.Unlock()

		m.emitFullState(time.Now())
		if m.deltaSink != nil && len(delta) > 0 {
			m.deltaSink(delta, "external")
		}
		return nil
	})
}
