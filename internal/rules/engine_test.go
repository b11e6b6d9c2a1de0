package rules

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/state"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Options{
		Logger:   zap.NewNop(),
		Interval: 20 * time.Millisecond,
		MaxWait:  100 * time.Millisecond,
	})
	t.Cleanup(e.Stop)
	return e
}

type callRecorder struct {
	mu    sync.Mutex
	names []string
}

func (c *callRecorder) record(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

func (c *callRecorder) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func passiveRule(name string, deps []string, rec *callRecorder) Rule {
	return Rule{
		Name:      name,
		DependsOn: deps,
		Condition: func(s *Snapshot, ctx *Context) bool {
			rec.record(name)
			return false
		},
	}
}

func TestDisjointDeltaSkipsRule(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("watcher", []string{"anchor"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"forecast": map[string]interface{}{"wind": 10}}, "test")
	time.Sleep(60 * time.Millisecond)

	if got := rec.calls(); len(got) != 0 {
		t.Fatalf("rule with disjoint deps must not run, got %v", got)
	}
}

func TestDependentAndGlobalRulesRun(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("anchored", []string{"anchor"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := e.Register(passiveRule("global", nil, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// Leading edge evaluates synchronously.
	e.UpdateState(state.Delta{"anchor.anchorDeployed": true}, "test")

	got := rec.calls()
	if len(got) != 2 {
		t.Fatalf("expected both rules to run, got %v", got)
	}
}

func TestChildPathMatchesSubtreeDependency(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("watcher", []string{"anchor"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"anchor.criticalRange.r": 20.0}, "test")

	if got := rec.calls(); len(got) != 1 {
		t.Fatalf("child-path delta must trigger subtree dependency, got %v", got)
	}
}

func TestUnchangedValueDoesNotTrigger(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("watcher", []string{"anchor"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"anchor.rode": 40.0}, "test")
	time.Sleep(60 * time.Millisecond)
	before := len(rec.calls())

	// Same value again: deep-equality filter suppresses the cycle.
	e.UpdateState(state.Delta{"anchor.rode": 40.0}, "test")
	time.Sleep(60 * time.Millisecond)

	if got := rec.calls(); len(got) != before {
		t.Fatalf("unchanged value must not re-trigger, got %v", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}

	low := passiveRule("low", []string{"k"}, rec)
	low.Priority = PriorityLow
	high := passiveRule("high", []string{"k"}, rec)
	high.Priority = PriorityHigh
	normal := passiveRule("normal", []string{"k"}, rec)

	for _, r := range []Rule{low, normal, high} {
		if err := e.Register(r); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	e.UpdateState(state.Delta{"k": 1.0}, "test")

	got := rec.calls()
	want := []string{"high", "normal", "low"}
	if len(got) != 3 {
		t.Fatalf("expected 3 calls, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order wrong: got %v want %v", got, want)
		}
	}
}

func TestDebounceCoalescesCandidates(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("a", []string{"pa"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := e.Register(passiveRule("b", []string{"pb"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"pa": 1.0}, "test") // leading fire: a
	e.UpdateState(state.Delta{"pb": 1.0}, "test") // queued for trailing
	e.UpdateState(state.Delta{"pa": 2.0}, "test") // unioned into same window

	time.Sleep(80 * time.Millisecond)

	got := rec.calls()
	// Leading fire runs a; trailing fire runs the union {a, b}.
	if len(got) != 3 {
		t.Fatalf("expected leading + coalesced trailing evaluation, got %v", got)
	}
}

func TestActionsCarryRuleMetadata(t *testing.T) {
	e := newTestEngine(t)
	var mu sync.Mutex
	var got []Action
	e.SetActionSink(func(actions []Action) {
		mu.Lock()
		got = append(got, actions...)
		mu.Unlock()
	})

	err := e.Register(Rule{
		Name:      "notifier",
		DependsOn: []string{"k"},
		Condition: func(s *Snapshot, ctx *Context) bool { return true },
		Action: func(s *Snapshot, ctx *Context) *Action {
			return &Action{Type: ActionNotification, Notification: &NotificationData{Message: "hi"}}
		},
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"k": 1.0}, "test")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got))
	}
	if got[0].RuleID != "notifier" {
		t.Fatalf("expected ruleId notifier, got %q", got[0].RuleID)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("expected action timestamp")
	}
}

func TestPanickingRuleDoesNotAbortCycle(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}

	bad := Rule{
		Name:      "bad",
		Priority:  PriorityHigh,
		DependsOn: []string{"k"},
		Condition: func(s *Snapshot, ctx *Context) bool { panic("boom") },
	}
	if err := e.Register(bad); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := e.Register(passiveRule("good", []string{"k"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"k": 1.0}, "test")

	if got := rec.calls(); len(got) != 1 {
		t.Fatalf("good rule must still run after panic, got %v", got)
	}
}

func TestRemovalSentinelClearsCache(t *testing.T) {
	e := newTestEngine(t)
	rec := &callRecorder{}
	if err := e.Register(passiveRule("watcher", []string{"k"}, rec)); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.UpdateState(state.Delta{"k": 1.0}, "test")
	time.Sleep(60 * time.Millisecond)
	n := len(rec.calls())

	e.UpdateState(state.Delta{"k": state.Removed}, "test")
	time.Sleep(60 * time.Millisecond)

	if got := rec.calls(); len(got) != n+1 {
		t.Fatalf("removal must count as a change, got %v", got)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Register(Rule{
		Name:      "always",
		Condition: func(s *Snapshot, ctx *Context) bool { return true },
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	e.EvaluateNow("startup")

	st := e.Stats()
	if st.Evaluations != 1 {
		t.Fatalf("expected 1 evaluation, got %d", st.Evaluations)
	}
	if st.RulesTriggered != 1 {
		t.Fatalf("expected 1 triggered rule, got %d", st.RulesTriggered)
	}
	if st.LastEvalTime.IsZero() {
		t.Fatal("expected last evaluation time")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	e := newTestEngine(t)
	r := Rule{Name: "dup", Condition: func(s *Snapshot, ctx *Context) bool { return false }}
	if err := e.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := e.Register(r); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
