package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"toolgate/internal/domain"
	"toolgate/internal/infra/catalog"
)

type toolView struct {
	Source      domain.SourceType `json:"source"`
	Owner       string            `json:"owner"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Version     string            `json:"version,omitempty"`
	Placeholder bool              `json:"placeholder,omitempty"`
}

type catalogResponse struct {
	GeneratedAt time.Time             `json:"generated_at"`
	ETag        string                `json:"etag"`
	ToolCount   int                   `json:"tool_count"`
	Summary     domain.CatalogSummary `json:"summary"`
	SyncErrors  []string              `json:"sync_errors,omitempty"`
	Apps        []domain.Diagnostic   `json:"apps"`
	Tools       map[string]toolView   `json:"tools"`
}

func buildOptionsFrom(r *http.Request) (catalog.BuildOptions, error) {
	var opts catalog.BuildOptions
	query := r.URL.Query()

	if raw := query.Get("force_refresh"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, domain.E(domain.CodeInvalidArgument, "adminapi.buildOptions",
				"force_refresh must be a boolean", nil)
		}
		opts.ForceRefresh = force
	}

	if raw := query.Get("retries"); raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil || retries < 0 || retries > domain.MaxFetchRetries {
			return opts, domain.E(domain.CodeInvalidArgument, "adminapi.buildOptions",
				"retries must be an integer between 0 and "+strconv.Itoa(domain.MaxFetchRetries), nil)
		}
		opts.Retries = &retries
	}
	return opts, nil
}

func catalogView(snapshot domain.Catalog) catalogResponse {
	tools := make(map[string]toolView, len(snapshot.Tools))
	for name, entry := range snapshot.Tools {
		tools[name] = toolView{
			Source:      entry.Ref.Source,
			Owner:       entry.Ref.Owner.String(),
			Name:        entry.Ref.Name,
			Title:       entry.Title,
			Description: entry.Description,
			Method:      entry.Method,
			Path:        entry.Path,
			Version:     entry.CurrentVersion,
			Placeholder: entry.IsPlaceholder,
		}
	}
	return catalogResponse{
		GeneratedAt: snapshot.GeneratedAt,
		ETag:        snapshot.ETag,
		ToolCount:   len(snapshot.Tools),
		Summary:     snapshot.Summary(),
		SyncErrors:  snapshot.SyncErrors,
		Apps:        snapshot.Diagnostics,
		Tools:       tools,
	}
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	opts, err := buildOptionsFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.catalog.Build(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, catalogView(snapshot))
}

// handleDiagnostics always probes: it exists to answer "is it down right
// now", so a cached snapshot is useless.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	opts, err := buildOptionsFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts.ForceRefresh = true

	snapshot, err := s.catalog.Build(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": snapshot.GeneratedAt,
		"summary":      snapshot.Summary(),
		"sync_errors":  snapshot.SyncErrors,
		"apps":         snapshot.Diagnostics,
	})
}

type invokeRequest struct {
	Args map[string]any `json:"args"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req invokeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	result, err := s.invoker.Invoke(r.Context(), name, actorFrom(r), req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
