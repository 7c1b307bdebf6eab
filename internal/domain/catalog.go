package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// CatalogTool is a catalog entry: a tool joined with the owner context the
// dispatcher needs. Catalog entries are cache-only and never persisted.
type CatalogTool struct {
	Tool

	// ExposedName is the collision-free name the tool is published under.
	ExposedName string

	// OwnerURL is the owner's base URL at build time.
	OwnerURL string
}

// Catalog is one complete, immutable merge of every owner's tools.
type Catalog struct {
	GeneratedAt time.Time
	ETag        string
	Tools       map[string]CatalogTool
	Diagnostics []Diagnostic
	SyncErrors  []string
}

// CatalogSummary aggregates per-owner diagnostics for the admin surface.
type CatalogSummary struct {
	AppsTotal      int `json:"apps_total"`
	Healthy        int `json:"healthy"`
	ZeroEndpoints  int `json:"zero_endpoints"`
	Unreachable    int `json:"unreachable"`
	MCPServers     int `json:"mcp_servers"`
	MCPServerTools int `json:"mcp_server_tools"`
}

func (c Catalog) Summary() CatalogSummary {
	var summary CatalogSummary
	for _, diag := range c.Diagnostics {
		switch diag.Owner.Kind {
		case OwnerApp:
			summary.AppsTotal++
			switch diag.Status {
			case ProbeHealthy:
				summary.Healthy++
			case ProbeZeroEndpoints:
				summary.ZeroEndpoints++
			case ProbeUnreachable:
				summary.Unreachable++
			}
		case OwnerMCP:
			summary.MCPServers++
		}
	}
	for _, tool := range c.Tools {
		if tool.Ref.Source == SourceMCP {
			summary.MCPServerTools++
		}
	}
	return summary
}

// SortedNames returns the exposed tool names in deterministic order.
func (c Catalog) SortedNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CatalogETag hashes the exposed names and discovery fingerprints so two
// builds over an unchanged upstream produce byte-identical catalogs.
func CatalogETag(tools map[string]CatalogTool) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := sha256.New()
	for _, name := range names {
		tool := tools[name]
		_, _ = hasher.Write([]byte(name))
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write([]byte(tool.DiscoveryHash))
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
