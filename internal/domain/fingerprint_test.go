package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolFingerprintStable(t *testing.T) {
	op := RawOperation{
		Name:        "list_invoices",
		Method:      "GET",
		Path:        "/invoices",
		Description: "List invoices",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "object"},
				"path":  map[string]any{"type": "object"},
			},
		},
	}

	first, err := ToolFingerprint(op)
	require.NoError(t, err)
	require.Len(t, first, 64)

	// Same shape with map keys populated in a different order must hash
	// identically.
	reordered := op
	reordered.InputSchema = map[string]any{
		"properties": map[string]any{
			"path":  map[string]any{"type": "object"},
			"query": map[string]any{"type": "object"},
		},
		"type": "object",
	}
	second, err := ToolFingerprint(reordered)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestToolFingerprintDistinguishesShape(t *testing.T) {
	base := RawOperation{Name: "get_user", Method: "GET", Path: "/users/{id}"}
	baseHash, err := ToolFingerprint(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(op *RawOperation)
	}{
		{"method", func(op *RawOperation) { op.Method = "POST" }},
		{"path", func(op *RawOperation) { op.Path = "/users" }},
		{"description", func(op *RawOperation) { op.Description = "changed" }},
		{"schema", func(op *RawOperation) {
			op.InputSchema = map[string]any{"type": "object"}
		}},
		{"body content type", func(op *RawOperation) { op.BodyContentType = "application/json" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := base
			tt.mutate(&op)
			hash, err := ToolFingerprint(op)
			require.NoError(t, err)
			require.NotEqual(t, baseHash, hash)
		})
	}
}

func TestBumpVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.0.0", "1.1.0"},
		{"1.4.0", "1.5.0"},
		{"2.9.3", "2.10.0"},
		{"", "1.1.0"},
		{"garbage", "1.1.0"},
		{"1.x.0", "1.1.0"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, BumpVersion(tt.in), "input %q", tt.in)
	}
}
