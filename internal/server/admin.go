package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/app"
)

// writeStoreError maps the store's sentinel errors to the closest fit in
// the InvalidRequest/Internal taxonomy -- the admin CRUD surface predates
// apierr's kind list, which has no NotFound/Conflict member of its own.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "not found").WithField("id"))
	case errors.Is(err, gateway.ErrConflict):
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "conflict").WithField("id"))
	default:
		apierr.Write(w, apierr.As(err))
	}
}

type createKeyRequest struct {
	ProjectID       string `json:"project_id"`
	Role            string `json:"role,omitempty"`
	RateLimitPerMin int    `json:"rate_limit_per_min,omitempty"`
}

type createKeyResponse struct {
	Key    string          `json:"key"`
	APIKey *gateway.APIKey `json:"api_key"`
}

// handleCreateKey provisions a new API key for a project. The plaintext key
// is returned exactly once; only its hash is persisted.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "project_id is required").WithField("project_id"))
		return
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		ProjectID:       req.ProjectID,
		Role:            req.Role,
		RateLimitPerMin: req.RateLimitPerMin,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{Key: plaintext, APIKey: key})
}

// handleListKeys lists API keys for a project, paginated.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "project_id is required").WithField("project_id"))
		return
	}
	offset, limit := parsePagination(r)

	keys, err := s.deps.Store.ListKeys(r.Context(), projectID, offset, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

// handleRevokeKey revokes an API key and invalidates its auth cache entry.
func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "key id is required"))
		return
	}
	if err := s.deps.Store.RevokeKey(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProfile returns a key's permission profile, falling back to the
// free-tier preset if no override has been persisted.
func (s *server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	profile, err := s.deps.Perms.Profile(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handlePutProfile upserts a key's permission profile override.
func (s *server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var profile gateway.PermissionProfile
	if !decodeRequestBody(w, r, &profile) {
		return
	}
	profile.KeyID = id

	if err := profile.Validate(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, err.Error()).WithField("blocked_tools"))
		return
	}

	if err := s.deps.Store.UpsertProfile(r.Context(), &profile); err != nil {
		writeStoreError(w, err)
		return
	}
	s.deps.Perms.Invalidate(id)

	writeJSON(w, http.StatusOK, profile)
}
