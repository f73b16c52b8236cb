package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"wealthportal.io/internal/bulk"
)

const maxBulkRecords = 5000

type bulkImportRequest struct {
	DefaultParentID string        `json:"default_parent_id"`
	Records         []bulk.Record `json:"records"`
}

// bulkImport runs an administrative import. The report is returned even for
// batches where every record failed; only call-level errors change the status.
func (a *API) bulkImport(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if !p.Role.IsTop() {
		writeError(w, r, http.StatusForbidden, "bulk import requires the super_admin role")
		return
	}
	var req bulkImportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Records) == 0 {
		writeError(w, r, http.StatusBadRequest, "records are required")
		return
	}
	if len(req.Records) > maxBulkRecords {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too many records in one import")
		return
	}

	report, err := a.bulk.Import(r.Context(), req.Records, req.DefaultParentID)
	if err != nil {
		if processed := report.SuccessCount + report.FailedCount; processed > 0 {
			a.log.Warn("bulk import interrupted",
				zap.Int("processed", processed),
				zap.Error(err))
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
