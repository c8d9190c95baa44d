package httpapi

import (
	"net/http"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
)

// writeError maps a domain error to the HTTP response, honoring the
// ServiceError's carried status for caller errors (4xx) and pipeline
// denials (200, carried inside the response body instead — callers of
// writeError never see a blocked pipeline result here, only errors from
// guard/lookup failures that precede the pipeline's own result envelope).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se := errs.AsServiceError(err); se != nil {
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(errs.CodeInternal), "internal error", nil)
}
