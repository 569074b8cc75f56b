package server

import (
	"net/http"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
)

// handleUsage returns the aggregated usage for a project/period, defaulting
// to the caller's own project and the current month.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	q := r.URL.Query()

	projectID := q.Get("project_id")
	if projectID == "" && identity != nil {
		projectID = identity.ProjectID
	}
	if projectID == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "project_id is required").WithField("project_id"))
		return
	}
	if identity != nil && !identity.IsAdmin() && projectID != identity.ProjectID {
		apierr.Write(w, apierr.New(apierr.PermissionDenied, "cannot view another project's usage"))
		return
	}

	period := q.Get("period")
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}

	agg, err := s.deps.Store.Aggregate(r.Context(), projectID, period)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agg)
}
