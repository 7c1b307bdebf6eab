// Package probe discovers the callable surface of registered upstreams:
// OpenAPI documents for HTTP apps, tool lists for MCP servers.
package probe

import (
	"context"

	"toolgate/internal/domain"
)

// Prober fetches one owner's tool surface. Implementations are side-effect
// free beyond network I/O; persistence belongs to the caller.
type Prober interface {
	Probe(ctx context.Context, owner domain.Owner, retries int) (domain.Diagnostic, []domain.RawOperation)
}
