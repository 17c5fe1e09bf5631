package session

import (
	"errors"
	"fmt"

	"github.com/gigset/stagerec/internal/capture"
	"github.com/gigset/stagerec/internal/upload"
)

var (
	// ErrBusy is returned by Start while another session holds the device.
	ErrBusy = errors.New("a capture session is already in progress")

	// ErrInvalidTransition is returned when an operation is not valid in the
	// controller's current state.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrNotRetryable is returned by Retry when the last failure cannot be
	// fixed by sending the same recording again.
	ErrNotRetryable = errors.New("last failure is not retryable")

	// ErrNoBackup is returned when a retry finds no stored recording.
	ErrNoBackup = errors.New("no backup stored for session")
)

// Kind classifies a session failure.
type Kind string

const (
	KindDeviceDenied      Kind = "device_denied"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindCaptureFault      Kind = "capture_fault"
	KindStorageFault      Kind = "storage_fault"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindTransientTransfer Kind = "transient_transfer_fault"
	KindRejected          Kind = "rejected"
	KindResumeFault       Kind = "resume_fault"
)

// Error is a classified session failure.
type Error struct {
	Kind      Kind
	SessionID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// deviceError classifies an acquisition failure.
func deviceError(sessionID string, err error) *Error {
	kind := KindDeviceUnavailable
	if errors.Is(err, capture.ErrDenied) {
		kind = KindDeviceDenied
	}
	return &Error{Kind: kind, SessionID: sessionID, Err: err}
}

// transferError maps a transport failure onto the session taxonomy.
func transferError(sessionID string, err error) *Error {
	kind := KindTransientTransfer
	var ue *upload.Error
	if errors.As(err, &ue) {
		switch ue.Kind {
		case upload.KindQuotaExceeded:
			kind = KindQuotaExceeded
		case upload.KindRejected:
			kind = KindRejected
		}
	}
	return &Error{Kind: kind, SessionID: sessionID, Err: err}
}

func storageError(sessionID, msg string, err error) *Error {
	return &Error{Kind: KindStorageFault, SessionID: sessionID, Message: msg, Err: err}
}
