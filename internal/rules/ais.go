package rules

import "fmt"

// TriggerAISProximity keys the AIS proximity alert.
const TriggerAISProximity = "ais_proximity"

// aisTargetsInRange counts AIS targets within the warning radius of the boat.
func aisTargetsInRange(s *Snapshot) (count int, radius float64, ok bool) {
	boatVal, _ := s.Get("navigation.position")
	boat, okBoat := positionFrom(boatVal)
	radius, okRadius := s.GetFloat("anchor.warningRange.r")
	if !okBoat || !okRadius || radius <= 0 {
		return 0, 0, false
	}

	targets, _ := s.GetMap("aisTargets")
	for _, v := range targets {
		target, isMap := v.(map[string]interface{})
		if !isMap {
			continue
		}
		pos, okPos := positionFrom(target["position"])
		if !okPos {
			continue
		}
		if HaversineMeters(boat, pos) <= radius {
			count++
		}
	}
	return count, radius, true
}

// NewAISProximityRule fires when at least one AIS target is inside the
// warning radius while anchored.
func NewAISProximityRule() Rule {
	return Rule{
		Name:      "ais-proximity",
		Priority:  PriorityHigh,
		DependsOn: []string{"aisTargets", "anchor", "navigation.position", "alerts.active"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			if !s.GetBool("anchor.anchorDeployed") {
				return false
			}
			count, _, ok := aisTargetsInRange(s)
			if !ok || count == 0 {
				return false
			}
			return !hasActiveUnacked(s, TriggerAISProximity)
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			count, radius, _ := aisTargetsInRange(s)
			return &Action{
				Type: ActionCreateAlert,
				CreateAlert: &CreateAlertData{
					Type:     "ais",
					Category: "ais",
					Source:   "ais-watch",
					Level:    "warning",
					Label:    "Vessel Proximity",
					Trigger:  TriggerAISProximity,
					Message: fmt.Sprintf("%d vessel(s) within warning radius of %s",
						count, formatDistance(s, radius)),
					Data: map[string]interface{}{
						"vesselCount": count,
						"radius":      radius,
					},
					PhoneNotification: true,
					AutoResolvable:    true,
				},
			}
		},
	}
}

// NewAISProximityResolutionRule resolves the proximity alert once no targets
// remain inside the warning radius.
func NewAISProximityResolutionRule() Rule {
	return Rule{
		Name:      "ais-proximity-resolution",
		Priority:  PriorityNormal,
		DependsOn: []string{"aisTargets", "anchor", "navigation.position", "alerts.active"},
		Condition: func(s *Snapshot, ctx *Context) bool {
			if !hasActiveAutoResolvable(s, TriggerAISProximity) {
				return false
			}
			count, _, ok := aisTargetsInRange(s)
			return ok && count == 0
		},
		Action: func(s *Snapshot, ctx *Context) *Action {
			_, radius, _ := aisTargetsInRange(s)
			return &Action{
				Type: ActionResolveAlert,
				ResolveAlert: &ResolveAlertData{
					Trigger: TriggerAISProximity,
					Data: map[string]interface{}{
						"message": fmt.Sprintf("No vessels detected within warning radius of %s.",
							formatDistance(s, radius)),
					},
				},
			}
		},
	}
}

// AISRules returns the AIS watch rule set.
func AISRules() []Rule {
	return []Rule{
		NewAISProximityRule(),
		NewAISProximityResolutionRule(),
	}
}
