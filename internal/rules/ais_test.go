package rules

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/state"
)

func newAISEngine(t *testing.T) (*Engine, *actionCollector) {
	t.Helper()
	e := NewEngine(Options{
		Logger:   zap.NewNop(),
		Interval: 10 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
	})
	t.Cleanup(e.Stop)
	col := &actionCollector{}
	e.SetActionSink(col.sink)
	for _, r := range AISRules() {
		if err := e.Register(r); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}
	return e, col
}

// 0.00009 degrees of latitude is roughly 10 m.
func aisBaseDelta() state.Delta {
	return state.Delta{
		"anchor.anchorDeployed": true,
		"anchor.warningRange.r": 15.0,
		"navigation.position":   map[string]interface{}{"latitude": 45.0, "longitude": -122.0},
		"aisTargets": map[string]interface{}{
			"366999001": map[string]interface{}{
				"position": map[string]interface{}{"latitude": 45.00009, "longitude": -122.0},
			},
		},
	}
}

func TestAISProximityAlert(t *testing.T) {
	e, col := newAISEngine(t)

	e.UpdateState(aisBaseDelta(), "ais")

	got := col.take()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %+v", got)
	}
	act := got[0]
	if act.Type != ActionCreateAlert || act.CreateAlert == nil {
		t.Fatalf("expected CREATE_ALERT, got %+v", act)
	}
	ca := act.CreateAlert
	if ca.Trigger != TriggerAISProximity || ca.Level != "warning" || !ca.AutoResolvable {
		t.Fatalf("unexpected alert shape: %+v", ca)
	}
	want := "1 vessel(s) within warning radius of 15 m"
	if ca.Message != want {
		t.Fatalf("message mismatch:\n got %q\nwant %q", ca.Message, want)
	}
	if n, _ := ca.Data["vesselCount"].(int); n != 1 {
		t.Fatalf("expected vesselCount 1, got %v", ca.Data["vesselCount"])
	}
}

func TestAISTargetOutsideRadiusIgnored(t *testing.T) {
	e, col := newAISEngine(t)

	delta := aisBaseDelta()
	// Roughly 110 m north, well outside the 15 m radius.
	delta["aisTargets"] = map[string]interface{}{
		"366999001": map[string]interface{}{
			"position": map[string]interface{}{"latitude": 45.001, "longitude": -122.0},
		},
	}
	e.UpdateState(delta, "ais")
	time.Sleep(60 * time.Millisecond)

	if got := col.take(); len(got) != 0 {
		t.Fatalf("out-of-range target must not alert, got %+v", got)
	}
}

func TestAISProximityResolution(t *testing.T) {
	e, col := newAISEngine(t)

	e.UpdateState(aisBaseDelta(), "ais")
	time.Sleep(60 * time.Millisecond)
	col.take()

	e.UpdateState(state.Delta{
		"alerts.active": []interface{}{
			map[string]interface{}{
				"trigger":        TriggerAISProximity,
				"autoResolvable": true,
				"acknowledged":   false,
			},
		},
		"aisTargets": map[string]interface{}{},
	}, "ais")
	time.Sleep(60 * time.Millisecond)

	got := col.take()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %+v", got)
	}
	act := got[0]
	if act.Type != ActionResolveAlert || act.ResolveAlert == nil {
		t.Fatalf("expected RESOLVE_ALERT, got %+v", act)
	}
	want := "No vessels detected within warning radius of 15 m."
	if msg, _ := act.ResolveAlert.Data["message"].(string); msg != want {
		t.Fatalf("message mismatch:\n got %q\nwant %q", msg, want)
	}
}

func TestAISNoResolutionWithoutActiveAlert(t *testing.T) {
	e, col := newAISEngine(t)

	delta := aisBaseDelta()
	delta["aisTargets"] = map[string]interface{}{}
	e.UpdateState(delta, "ais")
	time.Sleep(60 * time.Millisecond)

	if got := col.take(); len(got) != 0 {
		t.Fatalf("nothing to resolve, got %+v", got)
	}
}

func TestAISDistancesInFeet(t *testing.T) {
	e, col := newAISEngine(t)

	delta := aisBaseDelta()
	delta["units.distance"] = "feet"
	e.UpdateState(delta, "ais")

	got := col.take()
	if len(got) != 1 || got[0].CreateAlert == nil {
		t.Fatalf("expected 1 create action, got %+v", got)
	}
	want := "1 vessel(s) within warning radius of 49 ft"
	if got[0].CreateAlert.Message != want {
		t.Fatalf("message mismatch:\n got %q\nwant %q", got[0].CreateAlert.Message, want)
	}
}
