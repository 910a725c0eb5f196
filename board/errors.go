package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionExpired is the terminal auth failure: the refresh protocol ran
// and could not produce a usable access token. The caller must treat the
// session as logged out.
var ErrSessionExpired = errors.New("session expired")

var ErrElementNotFound = errors.New("element not found")

// ApiError is a non-2xx REST outcome that is not a validation failure and
// was not recovered internally (403, 404, 5xx).
type ApiError struct {
	Status  int
	Message string
}

func (self *ApiError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("api error: status %d", self.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", self.Status, self.Message)
}

// ValidationError is a 400 with the first field-level message found in the
// response body.
type ValidationError struct {
	Field   string
	Message string
}

func (self *ValidationError) Error() string {
	if self.Field == "" {
		return fmt.Sprintf("validation error: %s", self.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", self.Field, self.Message)
}

// ConnectivityError is a request that produced no response at all
// (dial failure, timeout), distinct from any server-side failure.
type ConnectivityError struct {
	Err error
}

func (self *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error: %s", self.Err)
}

func (self *ConnectivityError) Unwrap() error {
	return self.Err
}

func IsConnectivityError(err error) bool {
	var connectivityErr *ConnectivityError
	return errors.As(err, &connectivityErr)
}

func IsNotFound(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// classifyResponse maps a non-2xx REST status to the error taxonomy.
// On the authenticated path a 401 never reaches here; the gateway
// consumes it.
func classifyResponse(status int, responseBody []byte) error {
	switch status {
	case http.StatusBadRequest:
		field, message := firstFieldError(responseBody)
		return &ValidationError{
			Field:   field,
			Message: message,
		}
	default:
		return &ApiError{
			Status:  status,
			Message: strings.TrimSpace(string(responseBody)),
		}
	}
}

// firstFieldError digs the first field-level message out of a DRF-style
// error body, e.g. {"title": ["This field is required."]} or
// {"detail": "..."}.
func firstFieldError(responseBody []byte) (string, string) {
	var body map[string]any
	if err := json.Unmarshal(responseBody, &body); err != nil {
		return "", strings.TrimSpace(string(responseBody))
	}
	if detail, ok := body["detail"].(string); ok {
		return "", detail
	}
	for field, value := range body {
		switch v := value.(type) {
		case string:
			return field, v
		case []any:
			if 0 < len(v) {
				if message, ok := v[0].(string); ok {
					return field, message
				}
			}
		}
	}
	return "", strings.TrimSpace(string(responseBody))
}
