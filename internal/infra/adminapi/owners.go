package adminapi

import (
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// ownerNamePattern keeps owner names usable as tool name prefixes.
var ownerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

type ownerPayload struct {
	Kind               domain.OwnerKind `json:"kind"`
	Name               string           `json:"name"`
	URL                string           `json:"url"`
	Description        string           `json:"description,omitempty"`
	SpecPath           string           `json:"spec_path,omitempty"`
	IncludeUnreachable bool             `json:"include_unreachable_tools,omitempty"`
	SelectedTools      []string         `json:"selected_tools,omitempty"`
}

type ownerUpdatePayload struct {
	URL                *string   `json:"url,omitempty"`
	Description        *string   `json:"description,omitempty"`
	SpecPath           *string   `json:"spec_path,omitempty"`
	IncludeUnreachable *bool     `json:"include_unreachable_tools,omitempty"`
	SelectedTools      *[]string `json:"selected_tools,omitempty"`
}

type ownerView struct {
	Kind               domain.OwnerKind     `json:"kind"`
	Name               string               `json:"name"`
	URL                string               `json:"url"`
	Description        string               `json:"description,omitempty"`
	SpecPath           string               `json:"spec_path,omitempty"`
	IncludeUnreachable bool                 `json:"include_unreachable_tools"`
	SelectedTools      []string             `json:"selected_tools,omitempty"`
	Enabled            bool                 `json:"enabled"`
	RegistryState      domain.RegistryState `json:"registry_state"`
	LastSyncStatus     domain.SyncStatus    `json:"last_sync_status"`
	LastSyncError      string               `json:"last_sync_error,omitempty"`
	LastDiscoveredAt   *time.Time           `json:"last_discovered_at,omitempty"`
	LastSyncedAt       *time.Time           `json:"last_synced_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func viewOwner(owner domain.Owner) ownerView {
	view := ownerView{
		Kind:               owner.Ref.Kind,
		Name:               owner.Ref.Name,
		URL:                owner.URL,
		Description:        owner.Description,
		SpecPath:           owner.SpecPath,
		IncludeUnreachable: owner.IncludeUnreachable,
		SelectedTools:      owner.SelectedTools,
		Enabled:            owner.Enabled,
		RegistryState:      owner.RegistryState,
		LastSyncStatus:     owner.LastSyncStatus,
		LastSyncError:      owner.LastSyncError,
		CreatedAt:          owner.CreatedAt,
		UpdatedAt:          owner.UpdatedAt,
	}
	if !owner.LastDiscoveredAt.IsZero() {
		view.LastDiscoveredAt = &owner.LastDiscoveredAt
	}
	if !owner.LastSyncedAt.IsZero() {
		view.LastSyncedAt = &owner.LastSyncedAt
	}
	return view
}

func validateOwnerPayload(payload ownerPayload) error {
	if payload.Kind != domain.OwnerApp && payload.Kind != domain.OwnerMCP {
		return domain.E(domain.CodeInvalidArgument, "adminapi.validateOwner",
			"kind must be app or mcp", nil)
	}
	if !ownerNamePattern.MatchString(payload.Name) {
		return domain.E(domain.CodeInvalidArgument, "adminapi.validateOwner",
			"name must match "+ownerNamePattern.String(), nil)
	}
	if err := validateOwnerURL(payload.URL); err != nil {
		return err
	}
	if payload.Kind == domain.OwnerMCP && (payload.SpecPath != "" || payload.IncludeUnreachable) {
		return domain.E(domain.CodeInvalidArgument, "adminapi.validateOwner",
			"spec_path and include_unreachable_tools apply to apps only", nil)
	}
	return nil
}

func validateOwnerURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return domain.E(domain.CodeInvalidArgument, "adminapi.validateOwner",
			"url must be absolute", nil)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return domain.E(domain.CodeInvalidArgument, "adminapi.validateOwner",
			"url scheme must be http or https", nil)
	}
	return nil
}

func (s *Server) handleOwnersList(w http.ResponseWriter, r *http.Request) {
	kind := domain.OwnerKind(r.URL.Query().Get("kind"))
	owners, err := s.registry.ListOwners(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]ownerView, 0, len(owners))
	for _, owner := range owners {
		views = append(views, viewOwner(owner))
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": views})
}

func (s *Server) handleOwnerRegister(w http.ResponseWriter, r *http.Request) {
	var payload ownerPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateOwnerPayload(payload); err != nil {
		s.writeError(w, r, err)
		return
	}

	ref := domain.OwnerRef{Kind: payload.Kind, Name: payload.Name}
	owner := domain.Owner{
		Ref:                ref,
		Description:        payload.Description,
		URL:                payload.URL,
		SpecPath:           payload.SpecPath,
		IncludeUnreachable: payload.IncludeUnreachable,
		SelectedTools:      payload.SelectedTools,
		Enabled:            true,
		RegistryState:      domain.RegistryActive,
		LastSyncStatus:     domain.SyncNever,
	}
	if err := s.registry.UpsertOwner(r.Context(), owner); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.auditOwner(r, "owner.register", ref, map[string]any{"url": payload.URL})
	s.catalog.Invalidate()

	stored, err := s.registry.GetOwner(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOwner(stored))
}

// activeOwner is GetOwner minus soft-deleted rows: the store keeps them for
// audit, but the admin surface treats them as gone.
func (s *Server) activeOwner(r *http.Request, ref domain.OwnerRef) (domain.Owner, error) {
	owner, err := s.registry.GetOwner(r.Context(), ref)
	if err != nil {
		return domain.Owner{}, err
	}
	if owner.Deleted {
		return domain.Owner{}, domain.ErrOwnerNotFound
	}
	return owner, nil
}

func (s *Server) handleOwnerGet(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := s.activeOwner(r, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOwner(owner))
}

func (s *Server) handleOwnerUpdate(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload ownerUpdatePayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}

	owner, err := s.activeOwner(r, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if payload.URL != nil {
		if err := validateOwnerURL(*payload.URL); err != nil {
			s.writeError(w, r, err)
			return
		}
		owner.URL = *payload.URL
	}
	if payload.Description != nil {
		owner.Description = *payload.Description
	}
	if payload.SpecPath != nil {
		owner.SpecPath = *payload.SpecPath
	}
	if payload.IncludeUnreachable != nil {
		owner.IncludeUnreachable = *payload.IncludeUnreachable
	}
	if payload.SelectedTools != nil {
		owner.SelectedTools = *payload.SelectedTools
	}

	if err := s.registry.UpsertOwner(r.Context(), owner); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.auditOwner(r, "owner.update", ref, nil)
	s.catalog.Invalidate()

	stored, err := s.registry.GetOwner(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOwner(stored))
}

func (s *Server) handleOwnerDelete(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.DeleteOwner(r.Context(), ref); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.auditOwner(r, "owner.delete", ref, nil)
	s.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// handleOwnerPurge hard-deletes an owner and everything keyed to it. Unlike
// the soft delete it also accepts already-deleted owners: purging the
// tombstone frees the name for re-registration with a clean history.
func (s *Server) handleOwnerPurge(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.PurgeOwner(r.Context(), ref); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.auditOwner(r, "owner.purge", ref, nil)
	s.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOwnerEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := ownerRefFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.registry.SetOwnerEnabled(r.Context(), ref, enabled); err != nil {
			s.writeError(w, r, err)
			return
		}

		action := "owner.disable"
		if enabled {
			action = "owner.enable"
		}
		s.auditOwner(r, action, ref, nil)
		s.catalog.Invalidate()

		owner, err := s.registry.GetOwner(r.Context(), ref)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOwner(owner))
	}
}

func (s *Server) handleOwnerTools(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.activeOwner(r, ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	tools, err := s.registry.ListTools(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

type toolUpdatePayload struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToolUpdate(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload toolUpdatePayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}

	source := domain.SourceOpenAPI
	if ref.Kind == domain.OwnerMCP {
		source = domain.SourceMCP
	}
	toolRef := domain.ToolRef{Source: source, Owner: ref, Name: r.PathValue("tool")}
	if err := s.registry.SetToolEnabled(r.Context(), toolRef, payload.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}

	action := "tool.disable"
	if payload.Enabled {
		action = "tool.enable"
	}
	s.auditOwner(r, action, ref, map[string]any{"tool": toolRef.Name})
	s.catalog.Invalidate()

	tool, err := s.registry.GetTool(r.Context(), toolRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (s *Server) auditOwner(r *http.Request, action string, ref domain.OwnerRef, detail map[string]any) {
	err := s.registry.AppendAudit(r.Context(), domain.AuditRecord{
		Actor:        actorFrom(r).User,
		Action:       action,
		ResourceType: "owner",
		ResourceID:   ref.String(),
		Detail:       detail,
	})
	if err != nil {
		s.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
