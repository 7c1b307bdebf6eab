package domain

import (
	"fmt"
	"time"
)

// OwnerKind distinguishes the two registrable upstream kinds.
type OwnerKind string

const (
	OwnerApp OwnerKind = "app"
	OwnerMCP OwnerKind = "mcp"
)

// OwnerRef identifies a registered application or MCP server.
type OwnerRef struct {
	Kind OwnerKind
	Name string
}

func (r OwnerRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Name)
}

func (r OwnerRef) IsZero() bool {
	return r.Kind == "" && r.Name == ""
}

// RegistryState is the owner-level sync lifecycle state.
type RegistryState string

const (
	RegistryActive   RegistryState = "active"
	RegistryDisabled RegistryState = "disabled"
	RegistryDeleted  RegistryState = "deleted"
	RegistryStale    RegistryState = "stale"
)

// SyncStatus records the outcome of the most recent discovery sync.
type SyncStatus string

const (
	SyncNever   SyncStatus = "never"
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// Owner is a registered upstream: an HTTP application whose OpenAPI spec is
// probed, or an MCP server whose tool list is fetched over a session.
type Owner struct {
	Ref         OwnerRef
	Description string
	URL         string

	// SpecPath optionally overrides where the OpenAPI document is served,
	// either as a path relative to URL or as an absolute URL. Apps only.
	SpecPath string

	// IncludeUnreachable keeps the owner visible in the catalog through a
	// single placeholder tool when its spec cannot be fetched. Apps only.
	IncludeUnreachable bool

	// SelectedTools restricts which discovered operations are registered.
	// Empty means every discovered operation is selected.
	SelectedTools []string

	Enabled bool
	Deleted bool

	RegistryState    RegistryState
	LastSyncStatus   SyncStatus
	LastSyncError    string
	LastDiscoveredAt time.Time
	LastSyncedAt     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceType identifies how a tool was discovered.
type SourceType string

const (
	SourceOpenAPI SourceType = "openapi"
	SourceMCP     SourceType = "mcp"
)

// ToolRef identifies one registered tool.
type ToolRef struct {
	Source SourceType
	Owner  OwnerRef
	Name   string
}

func (r ToolRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Source, r.Owner, r.Name)
}

// RegistrationState tracks whether a tool is part of the exposed set.
type RegistrationState string

const (
	RegistrationSelected   RegistrationState = "selected"
	RegistrationUnselected RegistrationState = "unselected"
	RegistrationStale      RegistrationState = "stale"
)

// ExposureState is the tool-level admin lifecycle state.
type ExposureState string

const (
	ExposureActive   ExposureState = "active"
	ExposureDisabled ExposureState = "disabled"
	ExposureDeleted  ExposureState = "deleted"
)

// Tool is one callable operation in the registry.
type Tool struct {
	Ref         ToolRef
	Title       string
	Description string

	// Method and Path are set for openapi tools. MCP tools carry the
	// native tool name in Ref.Name and have no HTTP shape.
	Method string
	Path   string

	InputSchema     map[string]any
	BodyContentType string

	CurrentVersion string

	IsPlaceholder     bool
	PlaceholderReason string

	RegistrationState RegistrationState
	ExposureState     ExposureState
	Enabled           bool

	// DiscoveryHash fingerprints the last-seen upstream shape so an
	// unchanged spec never triggers a version bump.
	DiscoveryHash string

	LastDiscoveredAt time.Time
	LastSyncedAt     time.Time
}

// RawOperation is a probe result before canonicalization into a Tool.
type RawOperation struct {
	Name            string
	Title           string
	Description     string
	Method          string
	Path            string
	InputSchema     map[string]any
	BodyContentType string

	IsPlaceholder     bool
	PlaceholderReason string
}

// ProbeStatus classifies a per-owner probe outcome.
type ProbeStatus string

const (
	ProbeHealthy       ProbeStatus = "healthy"
	ProbeZeroEndpoints ProbeStatus = "zero_endpoints"
	ProbeUnreachable   ProbeStatus = "unreachable"
)

// Diagnostic is the per-owner probe outcome surfaced to admins.
type Diagnostic struct {
	Owner              OwnerRef `json:"owner"`
	URL                string   `json:"url"`
	SpecPath           string   `json:"spec_path,omitempty"`
	IncludeUnreachable bool     `json:"include_unreachable_tools"`

	Status            ProbeStatus `json:"status"`
	OperationCount    int         `json:"operation_count"`
	ToolCount         int         `json:"tool_count"`
	RoundsAttempted   int         `json:"rounds_attempted"`
	RequestsAttempted int         `json:"requests_attempted"`
	LatencyMS         int64       `json:"latency_ms"`

	UsedSpecURL          string   `json:"used_spec_url,omitempty"`
	CandidateURLs        []string `json:"candidate_urls,omitempty"`
	PlaceholderToolAdded bool     `json:"placeholder_tool_added"`
	Error                string   `json:"error,omitempty"`
}

// Actor is the pre-resolved identity a call is made on behalf of.
type Actor struct {
	User   string   `json:"user"`
	Groups []string `json:"groups,omitempty"`
}

// InvocationResult is the normalized outcome of a dispatched tool call.
type InvocationResult struct {
	App         string `json:"app"`
	Tool        string `json:"tool"`
	Method      string `json:"method"`
	URL         string `json:"url,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	OK          bool   `json:"ok"`
	ContentType string `json:"content_type,omitempty"`
	Body        any    `json:"body,omitempty"`
	Error       string `json:"error,omitempty"`
}

// AuditRecord is one append-only audit log entry.
type AuditRecord struct {
	ID           string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       map[string]any
	LatencyMS    int64
	CreatedAt    time.Time
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	Since        time.Time
	Actor        string
	Action       string
	ResourceType string
	Limit        int
}
