// Package rules implements the event-driven rule engine. Rules declare the
// dot-notation paths they depend on; each state delta schedules a debounced
// evaluation of only the affected rules plus the global bucket. Matching
// rules emit declarative actions consumed by the alert service.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/metrics"
	"github.com/windlass/relay/internal/state"
	"github.com/windlass/relay/internal/telemetry"
)

// Priority orders rules within an evaluation cycle.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Soft caps; exceeding them logs a warning but does not refuse registration.
const (
	MaxRules        = 20
	MaxDependencies = 5
)

// Defaults for the evaluation debounce window.
const (
	DefaultInterval = 1 * time.Second
	DefaultMaxWait  = 5 * time.Second
)

// Context is passed to rule conditions and actions. Memo is rule-owned
// scratch state that survives across evaluations; it is the only mutable
// state a condition may touch.
type Context struct {
	State  *Snapshot
	Source string
	Memo   map[string]interface{}
}

// Rule is immutable after registration.
type Rule struct {
	Name      string
	Priority  Priority
	DependsOn []string
	Condition func(s *Snapshot, ctx *Context) bool
	Action    func(s *Snapshot, ctx *Context) *Action
}

// Stats exposes evaluation counters for operational visibility.
type Stats struct {
	Evaluations     int64
	RulesTriggered  int64
	AvgEvalDuration time.Duration
	LastEvalTime    time.Time
}

// EvaluationReport is the detail payload of a rules:evaluation event.
type EvaluationReport struct {
	Count     int           `json:"count"`
	Triggered int           `json:"triggered"`
	Duration  time.Duration `json:"duration"`
	Source    string        `json:"source,omitempty"`
}

type registered struct {
	rule  Rule
	order int
}

// Options configures an Engine.
type Options struct {
	Logger   *zap.Logger
	Bus      *events.Bus
	Interval time.Duration
	MaxWait  time.Duration
}

// Engine indexes rules by watched path and evaluates them on state deltas.
type Engine struct {
	logger *zap.Logger
	bus    *events.Bus

	mu      sync.Mutex
	rules   []*registered
	byName  map[string]*registered
	index   map[string][]*registered
	global  []*registered
	cache   map[string]interface{}
	doc     map[string]interface{}
	memos   map[string]map[string]interface{}
	pending map[string]*registered
	source  string

	deb       *debouncer
	actionsFn func([]Action)

	stats         Stats
	totalEvalTime time.Duration
}

// NewEngine creates a rule engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	e := &Engine{
		logger:  logger,
		bus:     opts.Bus,
		byName:  make(map[string]*registered),
		index:   make(map[string][]*registered),
		cache:   make(map[string]interface{}),
		doc:     make(map[string]interface{}),
		memos:   make(map[string]map[string]interface{}),
		pending: make(map[string]*registered),
	}
	e.deb = newDebouncer(interval, maxWait, e.runCycle)
	return e
}

// SetActionSink registers the consumer of emitted action batches.
func (e *Engine) SetActionSink(fn func([]Action)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actionsFn = fn
}

// Register adds a rule and indexes its dependencies. Rules with no
// dependencies land in the global bucket and run on every delta.
func (e *Engine) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name required")
	}
	if rule.Condition == nil {
		return fmt.Errorf("rule %s: condition required", rule.Name)
	}
	if rule.Priority == "" {
		rule.Priority = PriorityNormal
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byName[rule.Name]; exists {
		return fmt.Errorf("rule %s already registered", rule.Name)
	}
	if len(e.rules) >= MaxRules {
		e.logger.Warn("rule count exceeds soft cap", zap.Int("cap", MaxRules), zap.String("rule", rule.Name))
	}
	if len(rule.DependsOn) > MaxDependencies {
		e.logger.Warn("rule dependency count exceeds soft cap",
			zap.String("rule", rule.Name),
			zap.Int("deps", len(rule.DependsOn)),
			zap.Int("cap", MaxDependencies),
		)
	}

	reg := &registered{rule: rule, order: len(e.rules)}
	e.rules = append(e.rules, reg)
	e.byName[rule.Name] = reg
	if len(rule.DependsOn) == 0 {
		e.global = append(e.global, reg)
	} else {
		for _, dep := range rule.DependsOn {
			e.index[dep] = append(e.index[dep], reg)
		}
	}
	return nil
}

// UpdateState folds a delta into the engine's cached view and schedules a
// debounced evaluation of the dependent rules.
func (e *Engine) UpdateState(delta state.Delta, source string) {
	e.mu.Lock()

	changed := make([]string, 0, len(delta))
	for path, value := range delta {
		if value == interface{}(state.Removed) {
			if _, had := e.cache[path]; had || pathInDoc(e.doc, path) {
				delete(e.cache, path)
				removeDotPath(e.doc, path)
				changed = append(changed, path)
			}
			continue
		}
		if prev, had := e.cache[path]; had && jsonEqual(prev, value) {
			continue
		}
		e.cache[path] = value
		setDotPath(e.doc, path, value)
		changed = append(changed, path)
	}

	if len(changed) == 0 {
		e.mu.Unlock()
		return
	}

	for _, reg := range e.global {
		e.pending[reg.rule.Name] = reg
	}
	for dep, regs := range e.index {
		for _, path := range changed {
			if pathsRelated(dep, path) {
				for _, reg := range regs {
					e.pending[reg.rule.Name] = reg
				}
				break
			}
		}
	}
	if source != "" {
		e.source = source
	}
	e.mu.Unlock()

	e.deb.call()
}

func pathInDoc(doc map[string]interface{}, path string) bool {
	s := &Snapshot{doc: doc}
	_, ok := s.Get(path)
	return ok
}

// EvaluateNow runs a full synchronous evaluation of every rule, bypassing
// the debounce window. Used at startup and in tests.
func (e *Engine) EvaluateNow(source string) {
	e.mu.Lock()
	for _, reg := range e.rules {
		e.pending[reg.rule.Name] = reg
	}
	if source != "" {
		e.source = source
	}
	e.mu.Unlock()
	e.runCycle()
}

// runCycle is the debounce fire: drain the candidate set, evaluate in
// priority order, emit actions.
func (e *Engine) runCycle() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	candidates := make([]*registered, 0, len(e.pending))
	for _, reg := range e.pending {
		candidates = append(candidates, reg)
	}
	e.pending = make(map[string]*registered)
	source := e.source
	e.source = ""
	snapshot := &Snapshot{doc: deepCopyDoc(e.doc)}
	sink := e.actionsFn
	e.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].rule.Priority), priorityRank(candidates[j].rule.Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].order < candidates[j].order
	})

	_, span := telemetry.StartEvaluationSpan(context.Background(), len(candidates))

	start := time.Now()
	actions := make([]Action, 0, 4)
	triggered := 0

	for _, reg := range candidates {
		rule := reg.rule
		ctx := &Context{State: snapshot, Source: source, Memo: e.memo(rule.Name)}

		matched := e.safeCondition(rule, snapshot, ctx)
		if !matched {
			continue
		}
		triggered++
		metrics.RulesTriggered.WithLabelValues(rule.Name).Inc()

		if rule.Action == nil {
			continue
		}
		act := e.safeAction(rule, snapshot, ctx)
		if act == nil {
			continue
		}
		act.RuleID = rule.Name
		act.Timestamp = time.Now().UTC()
		actions = append(actions, *act)
	}

	duration := time.Since(start)
	metrics.RuleEvaluations.Inc()
	metrics.RuleEvaluationSeconds.Observe(duration.Seconds())
	telemetry.EndEvaluationSpan(span, triggered, len(actions))

	e.mu.Lock()
	e.stats.Evaluations++
	e.stats.RulesTriggered += int64(triggered)
	e.totalEvalTime += duration
	e.stats.AvgEvalDuration = time.Duration(int64(e.totalEvalTime) / e.stats.Evaluations)
	e.stats.LastEvalTime = time.Now().UTC()
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.RuleEvaluation,
			Detail: EvaluationReport{
				Count:     len(candidates),
				Triggered: triggered,
				Duration:  duration,
				Source:    source,
			},
		})
	}

	if len(actions) == 0 {
		return
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.RuleActions, Detail: actions})
	}
	if sink != nil {
		sink(actions)
	}
}

// safeCondition evaluates a condition, recovering per-rule so one failing
// rule cannot abort the cycle.
func (e *Engine) safeCondition(rule Rule, s *Snapshot, ctx *Context) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule condition panicked", zap.String("rule", rule.Name), zap.Any("panic", r))
			matched = false
		}
	}()
	return rule.Condition(s, ctx)
}

func (e *Engine) safeAction(rule Rule, s *Snapshot, ctx *Context) (act *Action) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule action panicked", zap.String("rule", rule.Name), zap.Any("panic", r))
			act = nil
		}
	}()
	return rule.Action(s, ctx)
}

func (e *Engine) memo(ruleName string) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.memos[ruleName]
	if !ok {
		m = make(map[string]interface{})
		e.memos[ruleName] = m
	}
	return m
}

// Stats returns a copy of the evaluation counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Stop cancels the debounce timer. No further cycles fire.
func (e *Engine) Stop() {
	e.deb.stop()
}
