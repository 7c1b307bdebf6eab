// Package adminapi is the HTTP/JSON control plane: catalog inspection,
// gated invocation, owner registration and policy administration.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/catalog"
)

// Catalog serves and invalidates catalog snapshots.
type Catalog interface {
	Build(ctx context.Context, opts catalog.BuildOptions) (domain.Catalog, error)
	Invalidate()
}

// Invoker executes one gated tool call.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, actor domain.Actor, args map[string]any) (domain.InvocationResult, error)
}

// PolicyAdmin mutates and lists access policies.
type PolicyAdmin interface {
	SetOwnerDefault(ctx context.Context, owner domain.OwnerRef, policy domain.Policy, actor domain.Actor) error
	SetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy, actor domain.Actor) error
	GetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string) (domain.Policy, error)
	ResetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string, actor domain.Actor) error
	ApplyToAll(ctx context.Context, owner domain.OwnerRef, def domain.Policy, overrides map[string]domain.Policy, actor domain.Actor) error
	ListOwnerPolicies(ctx context.Context, owner domain.OwnerRef) (domain.OwnerPolicies, error)
}

// Registry is the owner/tool/audit slice of the persistence layer.
type Registry interface {
	UpsertOwner(ctx context.Context, owner domain.Owner) error
	GetOwner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error)
	ListOwners(ctx context.Context, kind domain.OwnerKind) ([]domain.Owner, error)
	SetOwnerEnabled(ctx context.Context, ref domain.OwnerRef, enabled bool) error
	DeleteOwner(ctx context.Context, ref domain.OwnerRef) error
	PurgeOwner(ctx context.Context, ref domain.OwnerRef) error
	ListTools(ctx context.Context, owner domain.OwnerRef) ([]domain.Tool, error)
	GetTool(ctx context.Context, ref domain.ToolRef) (domain.Tool, error)
	SetToolEnabled(ctx context.Context, ref domain.ToolRef, enabled bool) error
	AppendAudit(ctx context.Context, record domain.AuditRecord) error
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error)
}

// Server wires the admin routes onto a mux.
type Server struct {
	catalog  Catalog
	invoker  Invoker
	policies PolicyAdmin
	registry Registry
	logger   *zap.Logger
}

func NewServer(cat Catalog, invoker Invoker, policies PolicyAdmin, registry Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		catalog:  cat,
		invoker:  invoker,
		policies: policies,
		registry: registry,
		logger:   logger.Named("adminapi"),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /api/tools/{name}/invoke", s.handleInvoke)

	mux.HandleFunc("GET /api/owners", s.handleOwnersList)
	mux.HandleFunc("POST /api/owners", s.handleOwnerRegister)
	mux.HandleFunc("GET /api/owners/{kind}/{name}", s.handleOwnerGet)
	mux.HandleFunc("PATCH /api/owners/{kind}/{name}", s.handleOwnerUpdate)
	mux.HandleFunc("DELETE /api/owners/{kind}/{name}", s.handleOwnerDelete)
	mux.HandleFunc("POST /api/owners/{kind}/{name}/purge", s.handleOwnerPurge)
	mux.HandleFunc("POST /api/owners/{kind}/{name}/enable", s.handleOwnerEnable(true))
	mux.HandleFunc("POST /api/owners/{kind}/{name}/disable", s.handleOwnerEnable(false))
	mux.HandleFunc("GET /api/owners/{kind}/{name}/tools", s.handleOwnerTools)
	mux.HandleFunc("PUT /api/owners/{kind}/{name}/tools/{tool}", s.handleToolUpdate)

	mux.HandleFunc("GET /api/policies/{kind}/{name}", s.handlePoliciesGet)
	mux.HandleFunc("PUT /api/policies/{kind}/{name}/default", s.handlePolicyDefaultPut)
	mux.HandleFunc("GET /api/policies/{kind}/{name}/tools/{tool}", s.handlePolicyOverrideGet)
	mux.HandleFunc("PUT /api/policies/{kind}/{name}/tools/{tool}", s.handlePolicyOverridePut)
	mux.HandleFunc("DELETE /api/policies/{kind}/{name}/tools/{tool}", s.handlePolicyOverrideDelete)
	mux.HandleFunc("POST /api/policies/{kind}/{name}/apply-all", s.handlePolicyApplyAll)

	mux.HandleFunc("GET /api/audit", s.handleAuditList)
}

// Handler returns a standalone handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// actorFrom reads the pre-resolved caller identity from request headers.
// Authentication happens upstream; these headers are trusted.
func actorFrom(r *http.Request) domain.Actor {
	actor := domain.Actor{User: r.Header.Get("X-Actor-User")}
	if actor.User == "" {
		actor.User = "admin"
	}
	if raw := r.Header.Get("X-Actor-Groups"); raw != "" {
		for _, group := range strings.Split(raw, ",") {
			if group = strings.TrimSpace(group); group != "" {
				actor.Groups = append(actor.Groups, group)
			}
		}
	}
	return actor
}

func ownerRefFrom(r *http.Request) (domain.OwnerRef, error) {
	kind := domain.OwnerKind(r.PathValue("kind"))
	if kind != domain.OwnerApp && kind != domain.OwnerMCP {
		return domain.OwnerRef{}, domain.E(domain.CodeInvalidArgument, "adminapi.ownerRef",
			"owner kind must be app or mcp", nil)
	}
	name := r.PathValue("name")
	if name == "" {
		return domain.OwnerRef{}, domain.E(domain.CodeInvalidArgument, "adminapi.ownerRef",
			"owner name is required", nil)
	}
	return domain.OwnerRef{Kind: kind, Name: name}, nil
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return domain.E(domain.CodeInvalidArgument, "adminapi.decode", "invalid request body: "+err.Error(), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := domain.CodeInternal
	if c, ok := domain.CodeFrom(err); ok {
		code = c
		status = httpStatus(c)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeApprovalRequired:
		return http.StatusConflict
	case domain.CodeFailedPrecond:
		return http.StatusPreconditionFailed
	case domain.CodeUnavailable:
		return http.StatusBadGateway
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
