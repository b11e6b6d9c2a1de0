package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/windlass/relay/internal/events"
)

func newTestManager(t *testing.T, opts Options) (*Manager, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus(64)
	ch := bus.Subscribe("test")
	opts.Bus = bus
	m := NewManager(opts)
	m.Start()
	t.Cleanup(m.Stop)
	t.Cleanup(func() { bus.Unsubscribe("test") })
	return m, ch
}

func drain(ch <-chan events.Event) []events.Event {
	out := []events.Event{}
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestReplaceOnMissingPathIsDropped(t *testing.T) {
	m, ch := newTestManager(t, Options{Initial: map[string]interface{}{}})

	if err := m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/a/b", Value: 1}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("expected no emission for fully-dropped patch, got %d events", len(got))
	}
	if _, ok := m.ValueAt("/a/b"); ok {
		t.Fatal("document should be unchanged")
	}
}

func TestAddMaterializesParents(t *testing.T) {
	m, ch := newTestManager(t, Options{Initial: map[string]interface{}{}})

	if err := m.ApplyPatch([]PatchOp{{Op: "add", Path: "/a/b", Value: 1}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}

	v, ok := m.ValueAt("/a/b")
	if !ok {
		t.Fatal("expected /a/b to exist")
	}
	if n, _ := v.(float64); n != 1 {
		t.Fatalf("expected 1, got %v", v)
	}

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("expected full-update + patch, got %d events", len(got))
	}
	if got[0].Type != events.StateFullUpdate {
		t.Fatalf("expected initial full update first, got %s", got[0].Type)
	}
	env, ok := got[1].Detail.(PatchEnvelope)
	if !ok {
		t.Fatalf("expected PatchEnvelope detail, got %T", got[1].Detail)
	}
	if len(env.Data) != 1 || env.Data[0].Op != "add" || env.Data[0].Path != "/a/b" {
		t.Fatalf("unexpected emitted ops: %+v", env.Data)
	}
}

func TestMalformedPatchRejected(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	err := m.ApplyPatch([]PatchOp{{Op: "frobnicate", Path: "/a"}})
	if err == nil {
		t.Fatal("expected structural rejection")
	}
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("rejected patch must not emit, got %d events", len(got))
	}
}

func TestDisallowedTokenFiltered(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	if err := m.ApplyPatch([]PatchOp{
		{Op: "add", Path: "/navigation/altitude", Value: 12.5},
		{Op: "add", Path: "/navigation/speed", Value: 4.2},
	}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}

	if _, ok := m.ValueAt("/navigation/altitude"); ok {
		t.Fatal("altitude op must be filtered")
	}
	got := drain(ch)
	var env PatchEnvelope
	for _, evt := range got {
		if evt.Type == events.StatePatch {
			env = evt.Detail.(PatchEnvelope)
		}
	}
	if len(env.Data) != 1 || env.Data[0].Path != "/navigation/speed" {
		t.Fatalf("filtered op leaked into emission: %+v", env.Data)
	}
}

func TestRemoveIdempotence(t *testing.T) {
	m, _ := newTestManager(t, Options{Initial: map[string]interface{}{"x": 1}})

	if err := m.ApplyPatch([]PatchOp{{Op: "remove", Path: "/x"}}); err != nil {
		t.Fatalf("first remove error: %v", err)
	}
	if _, ok := m.ValueAt("/x"); ok {
		t.Fatal("expected /x removed")
	}
	// Second remove of the same path is dropped by the filter.
	if err := m.ApplyPatch([]PatchOp{{Op: "remove", Path: "/x"}}); err != nil {
		t.Fatalf("second remove error: %v", err)
	}
}

func TestDeltaSinkReceivesDotPaths(t *testing.T) {
	var got Delta
	var src string
	m := NewManager(Options{})
	m.SetDeltaSink(func(d Delta, source string) { got = d; src = source })
	m.Start()
	defer m.Stop()

	if err := m.ApplyPatchWithType([]PatchOp{
		{Op: "add", Path: "/navigation/position", Value: map[string]interface{}{"latitude": 34.7, "longitude": -76.6}},
		{Op: "remove", Path: "/navigation/speed"},
	}, "sensor"); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}

	if src != "sensor" {
		t.Fatalf("expected source sensor, got %q", src)
	}
	if _, ok := got["navigation.position"]; !ok {
		t.Fatalf("expected navigation.position in delta, got %v", got)
	}
	if got["navigation.speed"] != interface{}(Removed) {
		t.Fatalf("expected removal sentinel for navigation.speed, got %v", got["navigation.speed"])
	}
}

func TestFullStateCadence(t *testing.T) {
	m, ch := newTestManager(t, Options{FullStateInterval: 50 * time.Millisecond})

	if err := m.ApplyPatch([]PatchOp{{Op: "add", Path: "/k", Value: 1}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}
	got := drain(ch)
	if len(got) != 2 || got[0].Type != events.StateFullUpdate || got[1].Type != events.StatePatch {
		t.Fatalf("expected [full-update patch] on first mutation, got %v", eventTypes(got))
	}

	// Within the interval: patch only.
	if err := m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/k", Value: 2}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}
	got = drain(ch)
	if len(got) != 1 || got[0].Type != events.StatePatch {
		t.Fatalf("expected [patch] within interval, got %v", eventTypes(got))
	}

	// After the interval elapses the next mutation interleaves a full update.
	time.Sleep(60 * time.Millisecond)
	if err := m.ApplyPatch([]PatchOp{{Op: "replace", Path: "/k", Value: 3}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}
	got = drain(ch)
	if len(got) != 2 || got[0].Type != events.StateFullUpdate {
		t.Fatalf("expected [full-update patch] after interval, got %v", eventTypes(got))
	}
}

func TestNotifyClientAttachedEmitsInitialFullState(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	m.NotifyClientAttached()
	got := drain(ch)
	if len(got) != 1 || got[0].Type != events.StateFullUpdate {
		t.Fatalf("expected one full update on first attach, got %v", eventTypes(got))
	}

	// Second attach is gated off.
	m.NotifyClientAttached()
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("expected no emission on repeat attach, got %v", eventTypes(got))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, ch := newTestManager(t, Options{FullStateInterval: time.Millisecond})

	if err := m.ApplyPatch([]PatchOp{{Op: "add", Path: "/k", Value: "v"}}); err != nil {
		t.Fatalf("ApplyPatch error: %v", err)
	}
	drain(ch)
	first, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	m.NotifyClientAttached() // no mutation in between
	second, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("snapshot changed without mutations:\n%s\n%s", first, second)
	}
}

func TestTypedSetters(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	if err := m.SetWeatherData(map[string]interface{}{"wind": 12}); err != nil {
		t.Fatalf("SetWeatherData error: %v", err)
	}
	if err := m.SetTideData(map[string]interface{}{"next": "high"}); err != nil {
		t.Fatalf("SetTideData error: %v", err)
	}
	if v, _ := m.ValueAt("/forecast/wind"); v.(float64) != 12 {
		t.Fatalf("forecast not replaced: %v", v)
	}
	if v, _ := m.ValueAt("/tides/next"); v != "high" {
		t.Fatalf("tides not replaced: %v", v)
	}
}

func TestExternalStateUpdatePreservesLocalSubtrees(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	if err := m.UpdateAnchorState(map[string]interface{}{"anchorDeployed": true}); err != nil {
		t.Fatalf("UpdateAnchorState error: %v", err)
	}
	if err := m.SetTideData(map[string]interface{}{"station": "beaufort"}); err != nil {
		t.Fatalf("SetTideData error: %v", err)
	}
	drain(ch)

	err := m.ReceiveExternalStateUpdate(map[string]interface{}{
		"navigation": map[string]interface{}{"speed": 6.1},
		"anchor":     map[string]interface{}{"anchorDeployed": false},
		"tides":      map[string]interface{}{"station": "other"},
	})
	if err != nil {
		t.Fatalf("ReceiveExternalStateUpdate error: %v", err)
	}

	if v, _ := m.ValueAt("/anchor/anchorDeployed"); v != true {
		t.Fatal("anchor sub-tree must survive external swap")
	}
	if v, _ := m.ValueAt("/tides/station"); v != "beaufort" {
		t.Fatal("tides sub-tree must survive external swap")
	}
	if v, _ := m.ValueAt("/navigation/speed"); v.(float64) != 6.1 {
		t.Fatal("external navigation update must land")
	}
}

func eventTypes(evts []events.Event) []events.EventType {
	out := make([]events.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}
