package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AuthError means the gateway rejected the API key (401/403). It is never retried automatically.
type AuthError struct {
	Op      string
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway %s: unauthorized (%d): %s", e.Op, e.Status, e.Message)
}

// TransportError covers unreachable hosts, DNS failures and timeouts. Safe to retry with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GatewayError is any other non-2xx answer, carrying the gateway's own message.
type GatewayError struct {
	Op      string
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %d %s", e.Op, e.Status, e.Message)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *GatewayError
	return errors.As(err, &target) && target.Status == http.StatusNotFound
}

// Retryable reports whether err is transient: transport failures and 5xx answers.
func Retryable(err error) bool {
	if IsTransport(err) {
		return true
	}
	var target *GatewayError
	return errors.As(err, &target) && target.Status >= http.StatusInternalServerError
}

func classify(op string, status int, body []byte) error {
	message := extractMessage(body)
	if message == "" {
		message = http.StatusText(status)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Op: op, Status: status, Message: message}
	}
	return &GatewayError{Op: op, Status: status, Message: message}
}

// extractMessage digs the human readable message out of the gateway error envelopes:
// {"response":{"message":[...]}}, {"message":"..."}, {"error":"..."}.
func extractMessage(body []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return truncate(strings.TrimSpace(string(body)), 200)
	}
	if raw, ok := envelope["response"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(raw, &inner) == nil {
			if msg := flattenMessage(inner["message"]); msg != "" {
				return msg
			}
		}
	}
	for _, key := range []string{"message", "error"} {
		if msg := flattenMessage(envelope[key]); msg != "" {
			return msg
		}
	}
	return ""
}

func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []interface{}
	if json.Unmarshal(raw, &list) == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				parts = append(parts, v)
			default:
				if b, err := json.Marshal(v); err == nil {
					parts = append(parts, string(b))
				}
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
