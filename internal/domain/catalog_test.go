package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func appTool(owner, name, hash string) CatalogTool {
	return CatalogTool{
		Tool: Tool{
			Ref:           ToolRef{Source: SourceOpenAPI, Owner: OwnerRef{Kind: OwnerApp, Name: owner}, Name: name},
			DiscoveryHash: hash,
		},
		ExposedName: name,
	}
}

func TestCatalogSummary(t *testing.T) {
	catalog := Catalog{
		Diagnostics: []Diagnostic{
			{Owner: OwnerRef{Kind: OwnerApp, Name: "billing"}, Status: ProbeHealthy},
			{Owner: OwnerRef{Kind: OwnerApp, Name: "crm"}, Status: ProbeZeroEndpoints},
			{Owner: OwnerRef{Kind: OwnerApp, Name: "legacy"}, Status: ProbeUnreachable},
			{Owner: OwnerRef{Kind: OwnerMCP, Name: "notes"}, Status: ProbeHealthy},
		},
		Tools: map[string]CatalogTool{
			"list_invoices": appTool("billing", "list_invoices", "h1"),
			"mcp__notes__search": {
				Tool: Tool{Ref: ToolRef{Source: SourceMCP, Owner: OwnerRef{Kind: OwnerMCP, Name: "notes"}, Name: "search"}},
			},
		},
	}

	summary := catalog.Summary()
	require.Equal(t, CatalogSummary{
		AppsTotal:      3,
		Healthy:        1,
		ZeroEndpoints:  1,
		Unreachable:    1,
		MCPServers:     1,
		MCPServerTools: 1,
	}, summary)
}

func TestCatalogETagDeterministic(t *testing.T) {
	tools := map[string]CatalogTool{
		"b_tool": appTool("billing", "b_tool", "hash-b"),
		"a_tool": appTool("billing", "a_tool", "hash-a"),
	}
	first := CatalogETag(tools)
	second := CatalogETag(map[string]CatalogTool{
		"a_tool": appTool("billing", "a_tool", "hash-a"),
		"b_tool": appTool("billing", "b_tool", "hash-b"),
	})
	require.Equal(t, first, second)

	changed := CatalogETag(map[string]CatalogTool{
		"a_tool": appTool("billing", "a_tool", "hash-a2"),
		"b_tool": appTool("billing", "b_tool", "hash-b"),
	})
	require.NotEqual(t, first, changed)
}

func TestSortedNames(t *testing.T) {
	catalog := Catalog{Tools: map[string]CatalogTool{
		"zeta":  appTool("a", "zeta", "1"),
		"alpha": appTool("a", "alpha", "2"),
		"mid":   appTool("a", "mid", "3"),
	}}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, catalog.SortedNames())
}
