package store

import (
	"encoding/json"
	"fmt"
)

// immutableFields are ignored in incoming update patches.
var immutableFields = map[string]bool{
	"id":         true,
	"repo_id":    true,
	"created_at": true,
}

// DeepMerge applies patch onto base following the update contract:
// maps merge recursively, arrays replace, top-level primitives replace,
// and immutable fields are dropped from the patch. A nil value in the
// patch clears the key.
func DeepMerge(base, patch map[string]any) map[string]any {
	return deepMerge(base, patch, true)
}

func deepMerge(base, patch map[string]any, topLevel bool) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if topLevel && immutableFields[k] {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = deepMerge(bm, pm, false)
			continue
		}
		out[k] = v
	}
	return out
}

// ApplyPatch deep-merges a patch into a typed entity by round-tripping
// through its JSON representation. The merged document is decoded into
// a fresh value and assigned wholesale: keys the merge deleted must
// come back as zero fields, which decoding into the populated entity
// would not give us.
func ApplyPatch[T any](entity *T, patch map[string]any) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return fmt.Errorf("unmarshal entity: %w", err)
	}

	merged := DeepMerge(base, patch)

	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal merged: %w", err)
	}
	var fresh T
	if err := json.Unmarshal(out, &fresh); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	*entity = fresh
	return nil
}

// clone deep-copies a JSON-representable value through its encoding.
// Repositories hand out clones so callers cannot mutate shared state.
func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
