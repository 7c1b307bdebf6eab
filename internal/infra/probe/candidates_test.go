package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCandidates(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		specPath string
		want     []string
	}{
		{
			name: "bare host",
			url:  "http://billing.internal:8080",
			want: []string{"http://billing.internal:8080/openapi.json"},
		},
		{
			name: "base with resource path gets root fallback",
			url:  "http://billing.internal:8080/api/v1",
			want: []string{
				"http://billing.internal:8080/api/v1/openapi.json",
				"http://billing.internal:8080/openapi.json",
			},
		},
		{
			name: "base already pointing at spec is sole candidate",
			url:  "http://billing.internal:8080/api/openapi.json",
			want: []string{"http://billing.internal:8080/api/openapi.json"},
		},
		{
			name:     "absolute custom path first and as-is",
			url:      "http://billing.internal:8080",
			specPath: "https://docs.internal/spec.json",
			want: []string{
				"https://docs.internal/spec.json",
				"http://billing.internal:8080/openapi.json",
			},
		},
		{
			name:     "rooted custom path replaces base path",
			url:      "http://billing.internal:8080/api",
			specPath: "/custom/spec.json",
			want: []string{
				"http://billing.internal:8080/custom/spec.json",
				"http://billing.internal:8080/api/openapi.json",
				"http://billing.internal:8080/openapi.json",
			},
		},
		{
			name:     "relative custom path joins base path",
			url:      "http://billing.internal:8080/api/",
			specPath: "spec.json",
			want: []string{
				"http://billing.internal:8080/api/spec.json",
				"http://billing.internal:8080/api/openapi.json",
				"http://billing.internal:8080/openapi.json",
			},
		},
		{
			name:     "custom path duplicating the default is not repeated",
			url:      "http://billing.internal:8080",
			specPath: "/openapi.json",
			want:     []string{"http://billing.internal:8080/openapi.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCandidates(tt.url, tt.specPath)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildCandidatesRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/spec", "not a url", "http://"} {
		_, err := BuildCandidates(raw, "")
		require.Error(t, err, "url %q", raw)
	}
}
