package rules

import (
	"fmt"
	"time"
)

// Anchor rule trigger keys.
const (
	TriggerCriticalRange  = "critical_range"
	TriggerAnchorDragging = "anchor_dragging"
)

// anchorLatch is how long a range violation must hold continuously before
// the alert fires. Filters out single bad GPS fixes.
const anchorLatch = 10 * time.Second

// dragDriftThresholdMeters is the minimum drift between the drop point and
// the estimated anchor location before a violation counts as dragging.
const dragDriftThresholdMeters = 5.0

const memoCandidateSince = "candidateSince"

type anchorReading struct {
	deployed     bool
	boat         Position
	drop         Position
	rangeMeters  float64
	distance     float64
	positionsOK  bool
	rangeDefined bool
}

func readAnchor(s *Snapshot, rangePath string) anchorReading {
	r := anchorReading{deployed: s.GetBool("anchor.anchorDeployed")}

	boatVal, _ := s.Get("navigation.position")
	dropVal, _ := s.Get("anchor.anchorDropLocation.position")
	boat, okBoat := positionFrom(boatVal)
	drop, okDrop := positionFrom(dropVal)
	r.positionsOK = okBoat && okDrop
	r.boat = boat
	r.drop = drop

	if rng, ok := s.GetFloat(rangePath); ok && rng > 0 {
		r.rangeMeters = rng
		r.rangeDefined = true
	}
	if r.positionsOK {
		r.distance = HaversineMeters(boat, drop)
	}
	return r
}

// latched implements the shared 10 s hysteresis: the first sighting of a
// true condition stamps the memo; the rule only matches once the condition
// has held for the full latch window. A false reading clears the latch.
func latched(ctx *Context, violating bool, now time.Time) bool {
	if !violating {
		delete(ctx.Memo, memoCandidateSince)
		return false
	}
	since, ok := ctx.Memo[memoCandidateSince].(time.Time)
	if !ok {
		ctx.Memo[memoCandidateSince] = now
		return false
	}
	return now.Sub(since) >= anchorLatch
}

// NewCriticalRangeRule fires when the boat has been outside the critical
// range of the anchor drop point for the latch window.
func NewCriticalRangeRule() Rule {
	return Rule{
		Name:      "critical-range",
		Priority:  PriorityHigh,
		DependsOn: []string{"navigation.position", "anchor", "alerts.active", "units.distance"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			r := readAnchor(s, "anchor.criticalRange.r")
			violating := r.deployed && r.positionsOK && r.rangeDefined && r.distance > r.rangeMeters
			if violating && hasActiveUnacked(s, TriggerCriticalRange) {
				delete(ctx.Memo, memoCandidateSince)
				return false
			}
			return latched(ctx, violating, time.Now())
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			r := readAnchor(s, "anchor.criticalRange.r")
			return &Action{
				Type: ActionCreateAlert,
				CreateAlert: &CreateAlertData{
					Type:     "anchor",
					Category: "anchor",
					Source:   "anchor-watch",
					Level:    "critical",
					Label:    "Critical Range",
					Trigger:  TriggerCriticalRange,
					Message: fmt.Sprintf("Boat is %s from the anchor drop point, beyond the critical range of %s",
						formatDistance(s, r.distance), formatDistance(s, r.rangeMeters)),
					Data: map[string]interface{}{
						"distance": r.distance,
						"range":    r.rangeMeters,
					},
					PhoneNotification: true,
					Sticky:            true,
					AutoResolvable:    true,
				},
			}
		},
	}
}

// NewCriticalRangeResolutionRule resolves the critical range alert once the
// boat is back inside the range.
func NewCriticalRangeResolutionRule() Rule {
	return Rule{
		Name:      "critical-range-resolution",
		Priority:  PriorityNormal,
		DependsOn: []string{"navigation.position", "anchor", "alerts.active"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			r := readAnchor(s, "anchor.criticalRange.r")
			if !r.deployed || !r.positionsOK || !r.rangeDefined {
				return false
			}
			return r.distance <= r.rangeMeters && hasActiveAutoResolvable(s, TriggerCriticalRange)
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			r := readAnchor(s, "anchor.criticalRange.r")
			return &Action{
				Type: ActionResolveAlert,
				ResolveAlert: &ResolveAlertData{
					Trigger: TriggerCriticalRange,
					Data: map[string]interface{}{
						"message":  fmt.Sprintf("Boat is back within the critical range of %s", formatDistance(s, r.rangeMeters)),
						"distance": r.distance,
					},
				},
			}
		},
	}
}

// NewAnchorDraggingRule fires when the boat is out of range and the anchor
// itself has drifted from the drop point, held for the latch window.
func NewAnchorDraggingRule() Rule {
	return Rule{
		Name:      "anchor-dragging",
		Priority:  PriorityHigh,
		DependsOn: []string{"navigation.position", "anchor", "alerts.active", "units.distance"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			r := readAnchor(s, "anchor.criticalRange.r")
			drift, driftOK := anchorDrift(s, r)
			violating := r.deployed && r.positionsOK && r.rangeDefined &&
				r.distance > r.rangeMeters && driftOK && drift > dragDriftThresholdMeters
			if violating && hasActiveUnacked(s, TriggerAnchorDragging) {
				delete(ctx.Memo, memoCandidateSince)
				return false
			}
			return latched(ctx, violating, time.Now())
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			r := readAnchor(s, "anchor.criticalRange.r")
			drift, _ := anchorDrift(s, r)
			return &Action{
				Type: ActionCreateAlert,
				CreateAlert: &CreateAlertData{
					Type:     "anchor",
					Category: "anchor",
					Source:   "anchor-watch",
					Level:    "emergency",
					Label:    "Anchor Dragging",
					Trigger:  TriggerAnchorDragging,
					Message: fmt.Sprintf("Anchor appears to be dragging: boat %s from drop point, anchor drifted %s",
						formatDistance(s, r.distance), formatDistance(s, drift)),
					Data: map[string]interface{}{
						"distance": r.distance,
						"drift":    drift,
					},
					PhoneNotification: true,
					Sticky:            true,
					AutoResolvable:    true,
				},
			}
		},
	}
}

// NewAnchorDraggingResolutionRule resolves the dragging alert once either
// the range or the drift condition clears.
func NewAnchorDraggingResolutionRule() Rule {
	return Rule{
		Name:      "anchor-dragging-resolution",
		Priority:  PriorityNormal,
		DependsOn: []string{"navigation.position", "anchor", "alerts.active"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			r := readAnchor(s, "anchor.criticalRange.r")
			if !r.deployed || !r.positionsOK || !r.rangeDefined {
				return false
			}
			drift, driftOK := anchorDrift(s, r)
			violating := r.distance > r.rangeMeters && driftOK && drift > dragDriftThresholdMeters
			return !violating && hasActiveAutoResolvable(s, TriggerAnchorDragging)
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			return &Action{
				Type: ActionResolveAlert,
				ResolveAlert: &ResolveAlertData{
					Trigger: TriggerAnchorDragging,
					Data: map[string]interface{}{
						"message": "Anchor is holding again",
					},
				},
			}
		},
	}
}

func anchorDrift(s *Snapshot, r anchorReading) (float64, bool) {
	locVal, _ := s.Get("anchor.anchorLocation.position")
	loc, ok := positionFrom(locVal)
	if !ok || !r.positionsOK {
		return 0, false
	}
	return HaversineMeters(r.drop, loc), true
}

// AnchorRules returns the full anchor watch rule set.
func AnchorRules() []Rule {
	return []Rule{
		NewCriticalRangeRule(),
		NewCriticalRangeResolutionRule(),
		NewAnchorDraggingRule(),
		NewAnchorDraggingResolutionRule(),
	}
}
