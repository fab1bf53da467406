package control

import "github.com/aroton/aromcp/internal/domain"

// Vars builds the per-call evaluation environment for a condition, items
// expression, or template string evaluated at the instance's current
// position: the store's flattened view (inputs/state/computed) plus every
// loop variable bound by an enclosing frame (spec §4.5 Variable scoping
// - "loop vars are visible only inside the loop frame and any nested
// frames"). Frames are walked root-to-innermost so an inner loop's own
// item/index/total shadows an outer loop's, matching "each iteration has
// its own bindings".
//
// A sub-agent's root frame has no loop frame of its own, but its
// StateStore seeds item/index/total as top-level input keys (see
// internal/subagent); those are promoted to bare names here too so a
// sub-agent task's steps can write `{{ item }}` the same way a foreach
// body does.
func Vars(inst *domain.WorkflowInstance, flat map[string]any) map[string]any {
	vars := make(map[string]any, len(flat)+4)
	for k, v := range flat {
		vars[k] = v
	}

	if inputs, ok := flat["inputs"].(map[string]any); ok {
		for _, k := range []string{"item", "index", "total"} {
			if v, ok := inputs[k]; ok {
				vars[k] = v
			}
		}
	}

	for _, frame := range inst.Frames {
		switch frame.Kind {
		case domain.FrameWhile:
			vars["attempt_number"] = frame.AttemptNumber
		case domain.FrameForeach:
			vars["item"] = frame.Item
			vars["index"] = frame.Index
			vars["total"] = frame.Total
		}
	}
	return vars
}
