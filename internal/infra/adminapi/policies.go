package adminapi

import (
	"net/http"
	"time"

	"toolgate/internal/domain"
)

func (s *Server) handlePoliciesGet(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policies, err := s.policies.ListOwnerPolicies(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handlePolicyDefaultPut(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var policy domain.Policy
	if err := decodeBody(r, &policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.policies.SetOwnerDefault(r.Context(), ref, policy, actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePolicyOverridePut(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var policy domain.Policy
	if err := decodeBody(r, &policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.policies.SetToolOverride(r.Context(), ref, r.PathValue("tool"), policy, actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePolicyOverrideGet(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := s.policies.GetToolOverride(r.Context(), ref, r.PathValue("tool"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePolicyOverrideDelete(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.policies.ResetToolOverride(r.Context(), ref, r.PathValue("tool"), actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type applyAllPayload struct {
	Default   domain.Policy            `json:"default"`
	Overrides map[string]domain.Policy `json:"overrides,omitempty"`
}

func (s *Server) handlePolicyApplyAll(w http.ResponseWriter, r *http.Request) {
	ref, err := ownerRefFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload applyAllPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.policies.ApplyToAll(r.Context(), ref, payload.Default, payload.Overrides, actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}

	policies, err := s.policies.ListOwnerPolicies(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.AuditFilter{
		Actor:        query.Get("actor"),
		Action:       query.Get("action"),
		ResourceType: query.Get("resource_type"),
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, domain.E(domain.CodeInvalidArgument, "adminapi.audit",
				"since must be RFC3339", nil))
			return
		}
		filter.Since = since
	}

	records, err := s.registry.ListAudit(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": records})
}
