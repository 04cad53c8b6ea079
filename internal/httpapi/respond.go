package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"autopack/internal/logging"
	"autopack/internal/plan"
)

// apiError is the uniform error body. Issues is populated only for plan
// validation rejections.
type apiError struct {
	Error  string       `json:"error"`
	Detail string       `json:"detail"`
	Issues []plan.Issue `json:"issues,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIError("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, format string, args ...interface{}) {
	writeJSON(w, status, apiError{Error: kind, Detail: fmt.Sprintf(format, args...)})
}

func writeValidationError(w http.ResponseWriter, verr *plan.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, apiError{
		Error:  "invalid-plan",
		Detail: fmt.Sprintf("plan rejected with %d issue(s)", len(verr.Issues)),
		Issues: verr.Issues,
	})
}
