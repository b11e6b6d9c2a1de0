package rules

import "fmt"

const feetPerMeter = 3.28084

// activeAlerts returns the alerts.active sequence from the cached view.
func activeAlerts(s *Snapshot) []interface{} {
	list, _ := s.GetSlice("alerts.active")
	return list
}

// hasActiveUnacked reports whether an active, unacknowledged alert exists
// for the trigger. Rules consult this before emitting CREATE_ALERT so that
// at most one such alert exists per trigger.
func hasActiveUnacked(s *Snapshot, trigger string) bool {
	for _, item := range activeAlerts(s) {
		alert, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if alert["trigger"] != trigger {
			continue
		}
		if acked, _ := alert["acknowledged"].(bool); !acked {
			return true
		}
	}
	return false
}

// hasActiveAutoResolvable reports whether a resolution rule has anything to
// resolve for the trigger.
func hasActiveAutoResolvable(s *Snapshot, trigger string) bool {
	for _, item := range activeAlerts(s) {
		alert, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if alert["trigger"] != trigger {
			continue
		}
		acked, _ := alert["acknowledged"].(bool)
		auto, _ := alert["autoResolvable"].(bool)
		if auto && !acked {
			return true
		}
	}
	return false
}

// formatDistance renders a distance in the user's preferred unit.
func formatDistance(s *Snapshot, meters float64) string {
	if s.GetString("units.distance") == "feet" {
		return fmt.Sprintf("%.0f ft", meters*feetPerMeter)
	}
	return fmt.Sprintf("%.0f m", meters)
}
