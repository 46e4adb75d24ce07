// Package handler implements HTTP responses following .rules standard
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"immortal-chat/internal/core/apperr"
)

// APIResponse represents the standard response envelope
// Per .rules_immortal_chat: ALL API responses must use this format
type APIResponse struct {
	Code    int         `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string      `json:"message"` // Human-readable message ("Success", error description)
	Data    interface{} `json:"data"`    // Actual payload (can be null)
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Code:    200,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}

// Common error responses
func BadRequestResponse(message string) APIResponse {
	return NewErrorResponse(400, message)
}

func NotFoundResponse(message string) APIResponse {
	return NewErrorResponse(404, message)
}

func InternalErrorResponse(message string) APIResponse {
	return NewErrorResponse(500, message)
}

// writeJSON writes the envelope as JSON with the given HTTP status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes a plain APIResponse error envelope at the given HTTP
// status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, NewErrorResponse(status, message))
}

// writeSuccess writes a 200 APIResponse success envelope.
func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, NewSuccessResponse(data))
}

// writeAppErr maps an apperr.Error (or unclassified error) to its HTTP
// status and writes the envelope, the one place request handlers translate
// the core error taxonomy into wire responses.
func writeAppErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status == http.StatusInternalServerError {
		slog.Error("internal error handling request", "error", err)
		writeJSON(w, status, NewErrorResponse(status, "internal error"))
		return
	}
	writeJSON(w, status, NewErrorResponse(status, err.Error()))
}
