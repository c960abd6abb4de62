// Package render writes the mock bank's JSON answers.
// Every error body carries "success": false and a "message", the same shape as a declined
// transfer, so clients can surface the message whatever the status.
package render

import (
	"bytes"
	"encoding/json"
	"net/http"
)

const (
	ValidationErrorType = "validation_failed"
	DecodingErrorType   = "decoding_failed"
	ServiceErrorType    = "service_error"
)

type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	JSONStatus(w, data, http.StatusOK)
}

// JSONStatus encodes data first and only then commits the status,
// so an unencodable value still ends as a plain 500
func JSONStatus(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func ServiceError(w http.ResponseWriter, message string, code int) {
	JSONStatus(w, ErrorResponse{Error: ServiceErrorType, Message: message}, code)
}
