package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("timeout")
	ErrBadBody       = errors.New("bad body")
	ErrResolution    = errors.New("resolution error")
	ErrConfig        = errors.New("config error")
	ErrBusy          = errors.New("request already in progress")
	ErrLoginRequired = errors.New("login required")
)

// StatusError is a non-2xx answer from the homeserver. Code and Message
// carry the Matrix errcode/error pair when the body had one.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bad status %d", e.StatusCode)
	}

	return fmt.Sprintf("bad status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == status
	}

	return false
}

// IsMatrixCode reports whether err is a StatusError with the given errcode.
func IsMatrixCode(err error, code string) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == code
	}

	return false
}

// TransportError classifies an error returned by http.Client.Do as
// ErrTimeout or ErrNetwork.
func TransportError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}

	return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
}

// Kind names the taxonomy class of err for display.
func Kind(err error) string {
	var se *StatusError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.As(err, &se):
		return fmt.Sprintf("BadStatus(%d)", se.StatusCode)
	case errors.Is(err, ErrBadBody):
		return "BadBody"
	case errors.Is(err, ErrResolution):
		return "ResolutionError"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrLoginRequired):
		return "LoginRequired"
	}

	return "Error"
}
