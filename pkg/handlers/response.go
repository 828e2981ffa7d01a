package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/logging"
)

// ApiResponse is the envelope for mutations.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ListResponse is the envelope for collections.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// errorBody keeps a zero-length data array so client tables stay renderable.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Data  []any  `json:"data"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(errorBody{
		Error: message,
		Code:  errorCode,
		Data:  []any{},
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError maps err through the error taxonomy. Unclassified and database
// errors are logged; their messages never reach the client verbatim.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.CodeOf(err)
	message := apperrors.MessageOf(err)

	switch apperrors.KindOf(err) {
	case apperrors.KindDatabase:
		logger.Error("Database error", zap.String("code", code), zap.String("error", logging.SanitizeError(err)))
	case apperrors.KindInternal:
		logger.Error("Unhandled error", zap.String("error", logging.SanitizeError(err)))
	}

	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, data any, logger *zap.Logger) {
	if err := WriteJSON(w, http.StatusOK, data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
