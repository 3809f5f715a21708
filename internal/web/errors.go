package web

// errors.go renders failures as JSON.
//
// The technical error is logged with the request ID; the client gets the
// user message and support code from errs.MapError. The status code comes
// from the error's type, so handlers only pass a fallback for untyped errors.

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/importer"
	"github.com/JonMunkholm/loadergate/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

// statusFor maps a typed error to its HTTP status, or returns fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errs.IsConflict(err), errs.IsInvalidState(err):
		return http.StatusConflict
	case errs.IsAuthorization(err):
		return http.StatusForbidden
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsDownstream(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, importer.ErrTooManyImports):
		return http.StatusTooManyRequests
	case errs.IsEncryption(err):
		return http.StatusInternalServerError
	}
	return fallback
}

// respondError logs err and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	status := statusFor(err, fallback)
	userMsg := errs.MapError(err)

	log := logging.FromContext(r.Context()).With(
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	)
	if status >= http.StatusInternalServerError {
		log.Error("request error")
	} else {
		log.Info("request rejected")
	}

	resp := ErrorResponse{
		Error:   err.Error(),
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	if status >= http.StatusInternalServerError {
		resp.Error = userMsg.Message
	}

	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, resp)
}
