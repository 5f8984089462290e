package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/careloop/rxledger/internal/domain/record"
)

// ErrorBody is the wire shape of a failed operation.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// statusFor maps the closed error taxonomy onto HTTP statuses.
func statusFor(code record.Code) int {
	switch code {
	case record.CodeValidation, record.CodeIndexOutOfRange:
		return http.StatusBadRequest
	case record.CodeNotFound:
		return http.StatusNotFound
	case record.CodeForbidden:
		return http.StatusForbidden
	case record.CodeImmutable, record.CodeAlreadyDispensed:
		return http.StatusUnprocessableEntity
	case record.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case record.CodeGenerationExhausted, record.CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{Success: true, Data: data})
}

// writeErr renders any error through the envelope. Untyped errors collapse
// to INTERNAL so nothing leaks.
func writeErr(w http.ResponseWriter, err error) {
	re, ok := record.AsError(err)
	if !ok {
		re = record.ErrInternal(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(re.Code))
	json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    string(re.Code),
			Message: re.Message,
			Details: re.Details,
		},
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error:   &ErrorBody{Code: string(record.CodeValidation), Message: msg},
	})
}
