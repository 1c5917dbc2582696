package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"crmrelay/internal/types"
)

// APIResponse wraps every successful body as {"data": ...}.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse wraps every error body as {"error": {...}}.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an AppError plus the request id
// for support lookups.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON marshals data and writes it with status. A value that cannot be
// marshalled turns into a 500 so the client never sees a partial body.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error renders err. An *types.AppError anywhere in the chain supplies the
// status, code, message and details; its wrapped cause is never sent. Any
// other error becomes an opaque 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}

	JSON(w, r, status, APIErrorResponse{Error: detail})
}

// ReadJSONBody reads at most limit bytes of the request body and returns it
// once it is exactly one syntactically valid JSON value. Shape checks are left
// to the caller. Every failure is an ErrCodeValidationInvalidJSON AppError.
func ReadJSONBody(w http.ResponseWriter, r *http.Request, limit int64) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, invalidJSON(fmt.Sprintf("request body must not exceed %d bytes", limit), err)
		}
		return nil, invalidJSON("request body could not be read", err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, invalidJSON("request body must not be empty", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidJSON("malformed JSON in request body", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalidJSON("request body must contain a single JSON value", err)
	}

	return raw, nil
}

func invalidJSON(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidJSON, msg, err)
}
