package state

import (
	"fmt"
	"strconv"
	"strings"
)

// parsePointer splits an RFC 6901 JSON pointer into unescaped tokens.
// The empty pointer addresses the document root.
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", path)
	}
	raw := strings.Split(path[1:], "/")
	tokens := make([]string, len(raw))
	for i, tok := range raw {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		tokens[i] = tok
	}
	return tokens, nil
}

// dotPath converts a JSON pointer to the dot notation used in deltas and
// rule dependency declarations ("/a/b/0" -> "a.b.0").
func dotPath(pointer string) string {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return pointer
	}
	return strings.Join(tokens, ".")
}

// valueAtTokens walks the document along pointer tokens. The second return
// reports whether the full path resolved.
func valueAtTokens(doc interface{}, tokens []string) (interface{}, bool) {
	cur := doc
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			if tok == "-" {
				return nil, false
			}
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

// pathExists reports whether a JSON pointer resolves in the document.
func pathExists(doc map[string]interface{}, pointer string) bool {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return false
	}
	_, ok := valueAtTokens(doc, tokens)
	return ok
}

// valueAt resolves a JSON pointer against the document.
func valueAt(doc map[string]interface{}, pointer string) (interface{}, bool) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, false
	}
	return valueAtTokens(doc, tokens)
}
