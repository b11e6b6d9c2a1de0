package rules

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Snapshot is a read-only view of the engine's cached document, addressed by
// dot-notation paths. It is rebuilt from deltas, so it trails the
// authoritative document by at most one debounce window.
type Snapshot struct {
	doc map[string]interface{}
}

// Get resolves a dot-notation path, descending maps and slices.
func (s *Snapshot) Get(path string) (interface{}, bool) {
	if s == nil || s.doc == nil {
		return nil, false
	}
	if path == "" {
		return s.doc, true
	}
	var cur interface{} = s.doc
	for _, tok := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetFloat resolves a numeric leaf.
func (s *Snapshot) GetFloat(path string) (float64, bool) {
	v, ok := s.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool resolves a boolean leaf.
func (s *Snapshot) GetBool(path string) bool {
	v, ok := s.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetString resolves a string leaf.
func (s *Snapshot) GetString(path string) string {
	v, ok := s.Get(path)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// GetMap resolves an object node.
func (s *Snapshot) GetMap(path string) (map[string]interface{}, bool) {
	v, ok := s.Get(path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// GetSlice resolves an array node.
func (s *Snapshot) GetSlice(path string) ([]interface{}, bool) {
	v, ok := s.Get(path)
	if !ok {
		return nil, false
	}
	a, ok := v.([]interface{})
	return a, ok
}

// setDotPath writes a value into a nested document, creating intermediate
// objects. A non-object intermediate is replaced by an object.
func setDotPath(doc map[string]interface{}, path string, value interface{}) {
	tokens := strings.Split(path, ".")
	cur := doc
	for i, tok := range tokens {
		if i == len(tokens)-1 {
			cur[tok] = value
			return
		}
		next, ok := cur[tok].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[tok] = next
		}
		cur = next
	}
}

// removeDotPath deletes a path from a nested document if present.
func removeDotPath(doc map[string]interface{}, path string) {
	tokens := strings.Split(path, ".")
	cur := doc
	for i, tok := range tokens {
		if i == len(tokens)-1 {
			delete(cur, tok)
			return
		}
		next, ok := cur[tok].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
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

func deepCopyDoc(doc map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(doc)
	if err != nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(doc))
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// pathsRelated reports whether two dot paths address overlapping sub-trees:
// equal, ancestor, or descendant.
func pathsRelated(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}
