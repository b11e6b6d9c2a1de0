package rules

import (
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/state"
)

type actionCollector struct {
	mu      sync.Mutex
	actions []Action
}

func (c *actionCollector) sink(actions []Action) {
	c.mu.Lock()
	c.actions = append(c.actions, actions...)
	c.mu.Unlock()
}

func (c *actionCollector) take() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.actions
	c.actions = nil
	return out
}

func newAnchorEngine(t *testing.T) (*Engine, *actionCollector) {
	t.Helper()
	e := NewEngine(Options{
		Logger:   zap.NewNop(),
		Interval: 10 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
	})
	t.Cleanup(e.Stop)
	col := &actionCollector{}
	e.SetActionSink(col.sink)
	for _, r := range AnchorRules() {
		if err := e.Register(r); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}
	return e, col
}

// 0.00027 degrees of latitude is roughly 30 m.
func anchoredOutOfRange() state.Delta {
	return state.Delta{
		"anchor.anchorDeployed":                 true,
		"anchor.anchorDropLocation.position":    map[string]interface{}{"latitude": 45.0, "longitude": -122.0},
		"anchor.criticalRange.r":                20.0,
		"navigation.position":                   map[string]interface{}{"latitude": 45.00027, "longitude": -122.0},
	}
}

func TestCriticalRangeLatchSuppressesFirstSighting(t *testing.T) {
	e, col := newAnchorEngine(t)

	e.UpdateState(anchoredOutOfRange(), "sensor")
	time.Sleep(80 * time.Millisecond)

	if got := col.take(); len(got) != 0 {
		t.Fatalf("violation must not alert before the latch window, got %+v", got)
	}
}

func TestCriticalRangeFiresAfterLatchWindow(t *testing.T) {
	e, col := newAnchorEngine(t)

	e.UpdateState(anchoredOutOfRange(), "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	// Backdate the latch stamp past the hold window.
	e.memo("critical-range")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.EvaluateNow("sensor")

	got := col.take()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %+v", got)
	}
	act := got[0]
	if act.Type != ActionCreateAlert || act.CreateAlert == nil {
		t.Fatalf("expected CREATE_ALERT, got %+v", act)
	}
	ca := act.CreateAlert
	if ca.Trigger != TriggerCriticalRange {
		t.Fatalf("expected trigger %q, got %q", TriggerCriticalRange, ca.Trigger)
	}
	if ca.Level != "critical" || !ca.Sticky || !ca.AutoResolvable || !ca.PhoneNotification {
		t.Fatalf("unexpected alert shape: %+v", ca)
	}
	want := "Boat is 30 m from the anchor drop point, beyond the critical range of 20 m"
	if ca.Message != want {
		t.Fatalf("message mismatch:\n got %q\nwant %q", ca.Message, want)
	}
}

func TestCriticalRangeLatchClearsWhenBackInRange(t *testing.T) {
	e, col := newAnchorEngine(t)

	e.UpdateState(anchoredOutOfRange(), "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	// Boat returns inside the range before the latch expires.
	e.UpdateState(state.Delta{
		"navigation.position": map[string]interface{}{"latitude": 45.00005, "longitude": -122.0},
	}, "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	if _, held := e.memo("critical-range")[memoCandidateSince]; held {
		t.Fatal("latch must clear when the violation stops")
	}

	// A fresh violation starts a new window rather than firing immediately.
	e.UpdateState(state.Delta{
		"navigation.position": map[string]interface{}{"latitude": 45.00027, "longitude": -122.0},
	}, "sensor")
	time.Sleep(80 * time.Millisecond)
	if got := col.take(); len(got) != 0 {
		t.Fatalf("new violation must re-latch, got %+v", got)
	}
}

func TestCriticalRangeResolution(t *testing.T) {
	e, col := newAnchorEngine(t)

	e.UpdateState(anchoredOutOfRange(), "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	// Alert service has recorded the active alert; boat comes back in range.
	e.UpdateState(state.Delta{
		"alerts.active": []interface{}{
			map[string]interface{}{
				"trigger":        TriggerCriticalRange,
				"autoResolvable": true,
				"acknowledged":   false,
			},
		},
		"navigation.position": map[string]interface{}{"latitude": 45.0, "longitude": -122.0},
	}, "sensor")
	time.Sleep(80 * time.Millisecond)

	got := col.take()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %+v", got)
	}
	act := got[0]
	if act.Type != ActionResolveAlert || act.ResolveAlert == nil {
		t.Fatalf("expected RESOLVE_ALERT, got %+v", act)
	}
	if act.ResolveAlert.Trigger != TriggerCriticalRange {
		t.Fatalf("expected trigger %q, got %q", TriggerCriticalRange, act.ResolveAlert.Trigger)
	}
	msg, _ := act.ResolveAlert.Data["message"].(string)
	if !strings.Contains(msg, "back within the critical range") {
		t.Fatalf("unexpected resolution message %q", msg)
	}
}

func TestAcknowledgedAlertSuppressesRefire(t *testing.T) {
	e, col := newAnchorEngine(t)

	delta := anchoredOutOfRange()
	delta["alerts.active"] = []interface{}{
		map[string]interface{}{
			"trigger":        TriggerCriticalRange,
			"autoResolvable": true,
			"acknowledged":   false,
		},
	}
	e.UpdateState(delta, "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	e.memo("critical-range")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.EvaluateNow("sensor")

	for _, act := range col.take() {
		if act.Type == ActionCreateAlert {
			t.Fatalf("must not duplicate an active alert, got %+v", act)
		}
	}
}

func TestAnchorDraggingFiresWithDrift(t *testing.T) {
	e, col := newAnchorEngine(t)

	delta := anchoredOutOfRange()
	// Estimated anchor location roughly 10 m from the drop point.
	delta["anchor.anchorLocation.position"] = map[string]interface{}{"latitude": 45.00009, "longitude": -122.0}
	e.UpdateState(delta, "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	e.memo("critical-range")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.memo("anchor-dragging")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.EvaluateNow("sensor")

	var dragging *Action
	for _, act := range col.take() {
		if act.RuleID == "anchor-dragging" {
			a := act
			dragging = &a
		}
	}
	if dragging == nil || dragging.CreateAlert == nil {
		t.Fatal("expected anchor-dragging CREATE_ALERT")
	}
	if dragging.CreateAlert.Level != "emergency" {
		t.Fatalf("expected emergency level, got %q", dragging.CreateAlert.Level)
	}
	if dragging.CreateAlert.Trigger != TriggerAnchorDragging {
		t.Fatalf("unexpected trigger %q", dragging.CreateAlert.Trigger)
	}
}

func TestNoDraggingWithoutDrift(t *testing.T) {
	e, col := newAnchorEngine(t)

	delta := anchoredOutOfRange()
	// Anchor location matches the drop point: out of range but not dragging.
	delta["anchor.anchorLocation.position"] = map[string]interface{}{"latitude": 45.0, "longitude": -122.0}
	e.UpdateState(delta, "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	e.memo("anchor-dragging")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.EvaluateNow("sensor")

	for _, act := range col.take() {
		if act.RuleID == "anchor-dragging" {
			t.Fatalf("dragging must require anchor drift, got %+v", act)
		}
	}
}

func TestAnchorRulesIgnoreRetrievedAnchor(t *testing.T) {
	e, col := newAnchorEngine(t)

	delta := anchoredOutOfRange()
	delta["anchor.anchorDeployed"] = false
	e.UpdateState(delta, "sensor")
	time.Sleep(80 * time.Millisecond)
	col.take()

	e.memo("critical-range")[memoCandidateSince] = time.Now().Add(-anchorLatch - time.Second)
	e.EvaluateNow("sensor")

	if got := col.take(); len(got) != 0 {
		t.Fatalf("retrieved anchor must not alert, got %+v", got)
	}
}
