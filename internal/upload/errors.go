package upload

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed transfer.
type Kind string

const (
	// KindQuotaExceeded means the server refused the recording for policy
	// reasons. Retrying without out-of-band action will fail again.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindTransient covers network errors, timeouts and server errors.
	KindTransient Kind = "transient"

	// KindRejected means the server refused the request for any other reason
	// (bad input, auth, unknown session).
	KindRejected Kind = "rejected"
)

// Error is a classified transfer failure.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Reason     string // machine-readable reason from the server, if any
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("upload ")
	sb.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same upload may succeed if tried again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// errorBody is the JSON error envelope returned by the recordings API.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// classifyResponse turns a non-2xx response into an *Error.
func classifyResponse(status int, body []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	e := &Error{
		StatusCode: status,
		Reason:     eb.Reason,
		Message:    eb.Error,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusRequestEntityTooLarge, eb.Reason == string(KindQuotaExceeded):
		e.Kind = KindQuotaExceeded
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		e.Kind = KindTransient
	default:
		e.Kind = KindRejected
	}
	return e
}

// transient wraps a network-level failure.
func transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}
