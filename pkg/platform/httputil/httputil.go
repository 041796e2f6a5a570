package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "dunning/pkg/domain-errors"
)

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeValidation:          http.StatusBadRequest,
	dErrors.CodeBadRequest:          http.StatusBadRequest,
	dErrors.CodeRegistryInvalid:     http.StatusUnprocessableEntity,
	dErrors.CodeNotFound:            http.StatusNotFound,
	dErrors.CodeConflict:            http.StatusConflict,
	dErrors.CodeInvariantViolation:  http.StatusConflict,
	dErrors.CodeConcurrencyConflict: http.StatusConflict,
	dErrors.CodeUnauthorized:        http.StatusUnauthorized,
	dErrors.CodeTransientDependency: http.StatusServiceUnavailable,
	dErrors.CodeDeliveryFailed:      http.StatusBadGateway,
	dErrors.CodeFatalData:           http.StatusUnprocessableEntity,
	dErrors.CodeInternal:            http.StatusInternalServerError,
}

type errorBody struct {
	Error       string            `json:"error"`
	Description string            `json:"error_description,omitempty"`
	Retryable   bool              `json:"retryable"`
	Details     map[string]string `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a coded error to an HTTP response. Internal errors never
// leak their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{Error: string(code), Retryable: dErrors.IsRetryable(err)}
	if code == dErrors.CodeInternal {
		body.Error = "internal_error"
	} else {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body.Description = de.Message
			body.Details = de.Details
		}
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes the request body into T, writing a 400 on failure.
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	var req T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if logger != nil {
			logger.WarnContext(r.Context(), "failed to decode request body", "path", r.URL.Path, "error", err)
		}
		WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body"))
		return nil, false
	}
	return &req, true
}
