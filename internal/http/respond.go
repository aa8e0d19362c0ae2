package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PragyanCoder/orbitec/internal/service/apps"
	"github.com/PragyanCoder/orbitec/internal/service/billing"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps controller errors onto status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var verr apps.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, billing.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, apps.ErrNotFound), errors.Is(err, apps.ErrDeploymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apps.ErrSubdomainTaken),
		errors.Is(err, apps.ErrBuildInProgress),
		errors.Is(err, apps.ErrInvalidState),
		errors.Is(err, apps.ErrNoContainer),
		errors.Is(err, apps.ErrSuspended):
		writeError(w, http.StatusConflict, err.Error())
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
