// Package n8n reads the workflow engine's operational database and decodes
// its reference-compressed execution blobs.
//
// The engine stores each execution's data as a JSON array of heterogeneous
// values in which a string of digits is a pointer back into the same array.
// This package is the only place that knows about that format; everything
// downstream consumes fully materialized trees.
package n8n

import (
	"strconv"
)

// maxResolveDepth bounds the number of reference hops followed while
// materializing a value. The format can contain reference cycles; on
// overflow the raw value is returned instead of erroring. Container
// recursion does not count — a parsed JSON tree is always finite.
const maxResolveDepth = 10

// Resolve materializes v against its containing array arr.
//
//   - a string of digits that parses to a valid index is replaced by the
//     resolution of the referenced element,
//   - objects and arrays are resolved element-wise,
//   - anything else is returned unchanged.
//
// Resolve is pure and never fails.
func Resolve(v any, arr []any) any {
	return resolve(v, arr, 0)
}

func resolve(v any, arr []any, depth int) any {
	if depth > maxResolveDepth {
		return v
	}

	switch val := v.(type) {
	case string:
		idx, ok := parseIndex(val)
		if !ok || idx >= len(arr) {
			return val
		}
		return resolve(arr[idx], arr, depth+1)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolve(item, arr, depth)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolve(item, arr, depth)
		}
		return out
	default:
		return v
	}
}

// parseIndex reports whether s is a pure decimal index reference.
func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// runDataMarkers are node names whose presence identifies the runData
// object inside the compressed array.
var runDataMarkers = []string{"YOLO Inference", "Webhook", "Metadata"}

// findRunData locates the first object in arr that maps node names to run
// record references. Returns nil when the blob has no recognizable runData.
func findRunData(arr []any) map[string]any {
	for _, v := range arr {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, marker := range runDataMarkers {
			if _, present := obj[marker]; present {
				return obj
			}
		}
	}
	return nil
}

// NodeOutput returns the named node's output JSON, fully resolved, by
// descending runData[name][0].data.main[0][0].json. Returns nil when the
// node is absent or the path does not exist.
func NodeOutput(arr []any, name string) any {
	item := nodeRunItem(arr, name)
	if item == nil {
		return nil
	}
	return item["json"]
}

// NodeBinary returns the named node's binary descriptor under binaryKey,
// descending runData[name][0].data.main[0][0].binary[binaryKey]. When
// binaryKey is empty the first descriptor found is returned (the webhook
// names its attachment differently across engine versions).
func NodeBinary(arr []any, name, binaryKey string) map[string]any {
	item := nodeRunItem(arr, name)
	if item == nil {
		return nil
	}
	binary, ok := item["binary"].(map[string]any)
	if !ok {
		return nil
	}
	if binaryKey != "" {
		desc, _ := binary[binaryKey].(map[string]any)
		return desc
	}
	for _, v := range binary {
		if desc, ok := v.(map[string]any); ok {
			return desc
		}
	}
	return nil
}

// nodeRunItem resolves runData[name] and descends to the first run's first
// main-output item. Every step is nil-safe.
func nodeRunItem(arr []any, name string) map[string]any {
	runData := findRunData(arr)
	if runData == nil {
		return nil
	}
	ref, present := runData[name]
	if !present {
		return nil
	}

	resolved := Resolve(ref, arr)

	runs, ok := resolved.([]any)
	if !ok || len(runs) == 0 {
		return nil
	}
	run, ok := runs[0].(map[string]any)
	if !ok {
		return nil
	}
	data, ok := run["data"].(map[string]any)
	if !ok {
		return nil
	}
	main, ok := data["main"].([]any)
	if !ok || len(main) == 0 {
		return nil
	}
	items, ok := main[0].([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return nil
	}
	return item
}
