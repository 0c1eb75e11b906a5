package n8n

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_IndexReferences(t *testing.T) {
	arr := []any{
		map[string]any{"status": "1", "count": "2"},
		"success",
		float64(5),
	}

	resolved := Resolve(arr[0], arr)

	m, ok := resolved.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, float64(5), m["count"])
}

func TestResolve_NonReferenceStringsUnchanged(t *testing.T) {
	arr := []any{"0", "1", "2"}

	tests := []struct {
		name  string
		input string
	}{
		{"non-numeric", "hello"},
		{"mixed digits and letters", "12abc"},
		{"negative sign", "-1"},
		{"decimal point", "1.5"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.input, Resolve(tt.input, arr))
		})
	}
}

func TestResolve_OutOfRangeIndexUnchanged(t *testing.T) {
	arr := []any{"a", "b"}
	assert.Equal(t, "99", Resolve("99", arr))
}

func TestResolve_CycleTerminates(t *testing.T) {
	// 0 -> 1 -> 0 -> ... must not recurse forever; the raw value comes
	// back once the hop budget runs out.
	arr := []any{"1", "0"}

	resolved := Resolve("0", arr)

	_, ok := resolved.(string)
	assert.True(t, ok, "cycle should resolve to one of the raw strings, got %T", resolved)
}

func TestResolve_DeepContainerNesting(t *testing.T) {
	// Container descent does not consume the hop budget, so a deeply
	// nested tree with a reference at the bottom still materializes.
	leaf := map[string]any{"value": "1"}
	var v any = leaf
	for i := 0; i < 30; i++ {
		v = map[string]any{"child": v}
	}
	arr := []any{v, "payload"}

	resolved := Resolve(arr[0], arr)
	for i := 0; i < 30; i++ {
		m, ok := resolved.(map[string]any)
		require.True(t, ok)
		resolved = m["child"]
	}
	m, ok := resolved.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "payload", m["value"])
}

func TestNodeOutput_FullReferenceChain(t *testing.T) {
	// Every level of the runData descent stored as a reference, the way
	// the engine actually compresses blobs.
	blob := `[
		{"YOLO Inference": "1"},
		["2"],
		{"data": "3"},
		{"main": "4"},
		["5"],
		["6"],
		{"json": "7"},
		{"has_smoke": true, "detection_count": "8"},
		2
	]`
	var arr []any
	require.NoError(t, json.Unmarshal([]byte(blob), &arr))

	out := NodeOutput(arr, "YOLO Inference")

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["has_smoke"])
	assert.Equal(t, float64(2), m["detection_count"])
}

func TestNodeOutput_InlineTree(t *testing.T) {
	arr := []any{
		map[string]any{
			"Metadata": []any{
				map[string]any{
					"data": map[string]any{
						"main": []any{
							[]any{
								map[string]any{"json": map[string]any{"device_id": "station-7"}},
							},
						},
					},
				},
			},
		},
	}

	out := NodeOutput(arr, "Metadata")
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "station-7", m["device_id"])
}

func TestNodeOutput_MissingNode(t *testing.T) {
	arr := []any{map[string]any{"Webhook": []any{}}}

	assert.Nil(t, NodeOutput(arr, "YOLO Inference"))
}

func TestNodeOutput_NoRunData(t *testing.T) {
	assert.Nil(t, NodeOutput([]any{"just", "strings", float64(3)}, "Webhook"))
	assert.Nil(t, NodeOutput(nil, "Webhook"))
}

func TestNodeOutput_TruncatedPath(t *testing.T) {
	// Run record present but the data.main descent dead-ends.
	arr := []any{
		map[string]any{
			"YOLO Inference": []any{
				map[string]any{"data": map[string]any{"main": []any{}}},
			},
		},
	}

	assert.Nil(t, NodeOutput(arr, "YOLO Inference"))
}

func TestNodeBinary_NamedAndFirstKey(t *testing.T) {
	descriptor := map[string]any{
		"storage":  "filesystem-v2:abc123",
		"mimeType": "image/jpeg",
	}
	arr := []any{
		map[string]any{
			"Webhook": []any{
				map[string]any{
					"data": map[string]any{
						"main": []any{
							[]any{
								map[string]any{
									"json":   map[string]any{},
									"binary": map[string]any{"image": descriptor},
								},
							},
						},
					},
				},
			},
		},
	}

	assert.Equal(t, descriptor, NodeBinary(arr, "Webhook", "image"))
	// Empty key falls back to the first descriptor present.
	assert.Equal(t, descriptor, NodeBinary(arr, "Webhook", ""))
	assert.Nil(t, NodeBinary(arr, "Webhook", "attachment"))
}

func TestNodeBinary_NoBinarySection(t *testing.T) {
	arr := []any{
		map[string]any{
			"Webhook": []any{
				map[string]any{
					"data": map[string]any{
						"main": []any{[]any{map[string]any{"json": map[string]any{}}}},
					},
				},
			},
		},
	}

	assert.Nil(t, NodeBinary(arr, "Webhook", "image"))
}
