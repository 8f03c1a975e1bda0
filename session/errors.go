package session

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorResponse is returned when a token endpoint answers with a non-2xx
// status. Use errors.As to inspect it.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Unauthorized reports whether the session is missing or no longer valid, and
// the user has to sign in again.
func (e *ErrorResponse) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func newErrorResponse(status int, body []byte) *ErrorResponse {
	er := &ErrorResponse{Status: status}
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		er.Message = apiErr.Message
	} else {
		er.Message = http.StatusText(status)
	}
	return er
}
