package state

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// PatchOp is one RFC 6902 operation.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Removed is the delta sentinel for a path deleted by a patch.
type removedSentinel struct{}

// Removed marks a removed path in a Delta.
var Removed = removedSentinel{}

// Delta maps dot-notation paths touched by a patch to their new values,
// or to Removed for deleted paths.
type Delta map[string]interface{}

var validOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// ErrMalformedPatch is returned when a submission is structurally invalid.
// The whole submission is rejected; the document is not mutated.
type ErrMalformedPatch struct {
	Index  int
	Reason string
}

func (e *ErrMalformedPatch) Error() string {
	return fmt.Sprintf("malformed patch op %d: %s", e.Index, e.Reason)
}

// filterOps runs the filter and validation stages over a submission.
// Structural problems reject the whole submission; policy and
// missing-target problems drop individual ops.
func (m *Manager) filterOps(ops []PatchOp) ([]PatchOp, error) {
	kept := make([]PatchOp, 0, len(ops))
	for i, op := range ops {
		if !validOps[op.Op] {
			return nil, &ErrMalformedPatch{Index: i, Reason: fmt.Sprintf("unknown op %q", op.Op)}
		}
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return nil, &ErrMalformedPatch{Index: i, Reason: err.Error()}
		}
		if op.Op == "move" || op.Op == "copy" {
			if _, err := parsePointer(op.From); err != nil {
				return nil, &ErrMalformedPatch{Index: i, Reason: err.Error()}
			}
		}
		if len(tokens) == 0 && op.Op != "replace" {
			return nil, &ErrMalformedPatch{Index: i, Reason: "root pointer only valid for replace"}
		}

		if m.pathDisallowed(tokens) {
			m.logDroppedOp(op, "disallowed path token")
			continue
		}

		switch op.Op {
		case "remove", "replace":
			if !pathExists(m.doc, op.Path) {
				m.logDroppedOp(op, "target path does not exist")
				continue
			}
		case "move", "copy", "test":
			from := op.From
			if op.Op == "test" {
				from = op.Path
			}
			if !pathExists(m.doc, from) {
				m.logDroppedOp(op, "source path does not exist")
				continue
			}
		}
		kept = append(kept, op)
	}
	return kept, nil
}

func (m *Manager) pathDisallowed(tokens []string) bool {
	for _, tok := range tokens {
		for _, banned := range m.disallowedTokens {
			if strings.EqualFold(tok, banned) {
				return true
			}
		}
	}
	return false
}

// applyValidated applies an already-validated op sequence to the document
// and returns the new document. Parent chains for add ops are materialized
// as empty objects.
func applyValidated(doc map[string]interface{}, ops []PatchOp) (map[string]interface{}, error) {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal ops: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = true
	opts.SupportNegativeIndices = false

	modified, err := patch.ApplyWithOptions(docBytes, opts)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	out := make(map[string]interface{})
	if err := json.Unmarshal(modified, &out); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return out, nil
}

// computeDelta derives the dot-path delta for a validated op sequence
// against the pre-apply document.
func computeDelta(before map[string]interface{}, ops []PatchOp) Delta {
	delta := make(Delta, len(ops))
	for _, op := range ops {
		switch op.Op {
		case "add", "replace":
			delta[dotPath(op.Path)] = op.Value
		case "remove":
			delta[dotPath(op.Path)] = Removed
		case "move":
			v, _ := valueAt(before, op.From)
			delta[dotPath(op.From)] = Removed
			delta[dotPath(op.Path)] = v
		case "copy":
			v, _ := valueAt(before, op.From)
			delta[dotPath(op.Path)] = v
		}
		// test ops carry no state change
	}
	return delta
}
