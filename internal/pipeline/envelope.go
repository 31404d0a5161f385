package pipeline

import (
	"encoding/json"
	"time"
)

// errorEnvelope is the uniform gateway error body. Upstream responses pass
// through untouched; only gateway-originated errors use this shape.
type errorEnvelope struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// Envelope builds a JSON error response with the standard envelope.
func Envelope(status int, code, message, correlationID string) *Response {
	body, err := json.Marshal(errorEnvelope{
		Error:         code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// The envelope struct cannot fail to marshal; keep the contract anyway.
		body = []byte(`{"error":"internal_error"}`)
	}

	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}
