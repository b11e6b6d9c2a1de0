package state

import "encoding/json"

// DefaultDocument returns the boot schema for the authoritative document.
// Every top-level sub-tree the relay owns is materialized up front so that
// replace patches against them are valid from the first mutation.
func DefaultDocument() map[string]interface{} {
	return map[string]interface{}{
		"navigation": map[string]interface{}{
			"position": nil,
			"speed":    nil,
			"course":   nil,
		},
		"anchor": map[string]interface{}{
			"anchorDeployed":     false,
			"anchorLocation":     nil,
			"anchorDropLocation": nil,
			"rode":               nil,
			"criticalRange":      nil,
			"warningRange":       nil,
		},
		"aisTargets": map[string]interface{}{},
		"alerts": map[string]interface{}{
			"active":   []interface{}{},
			"resolved": []interface{}{},
		},
		"bluetooth": map[string]interface{}{
			"devices":         map[string]interface{}{},
			"selectedDevices": map[string]interface{}{},
			"status":          "idle",
			"scanning":        false,
			"lastUpdated":     nil,
		},
		"tides":    map[string]interface{}{},
		"forecast": map[string]interface{}{},
		"units": map[string]interface{}{
			"distance": "meters",
		},
	}
}

// jsonEqual compares two JSON-compatible values by canonical encoding.
func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// deepCopy clones a JSON-compatible value through a marshal round trip.
// The document only ever holds values that came from (or survive) JSON
// encoding, so this is lossless.
func deepCopy(v map[string]interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(v))
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
