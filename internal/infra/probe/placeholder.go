package probe

import (
	"fmt"

	"toolgate/internal/domain"
)

// PlaceholderOperation builds the single synthetic tool that keeps an
// unreachable app visible in the catalog. Invoking it never reaches the
// upstream; the dispatcher answers with diagnostics instead.
func PlaceholderOperation(appName, reason string) domain.RawOperation {
	component := sanitizeComponent(appName, "app")
	return domain.RawOperation{
		Name:        component + domain.PlaceholderNameSuffix,
		Title:       fmt.Sprintf("%s: Endpoint Unavailable", appName),
		Description: "Placeholder tool because API could not be discovered at sync time",
		Method:      "GET",
		Path:        domain.PlaceholderPath,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Optional client note. This placeholder always returns diagnostics.",
				},
			},
			"additionalProperties": false,
		},
		IsPlaceholder:     true,
		PlaceholderReason: reason,
	}
}
