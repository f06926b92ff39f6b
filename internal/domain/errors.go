package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// RemoteErrorKind classifies a failed remote call.
type RemoteErrorKind string

const (
	RemoteNetworkFailure    RemoteErrorKind = "NetworkFailure"
	RemoteAuthFailure       RemoteErrorKind = "AuthFailure"
	RemoteValidationFailure RemoteErrorKind = "ValidationFailure"
	RemoteUnknownError      RemoteErrorKind = "UnknownRemoteError"
)

// Sentinel errors for remote failure kinds. A *RemoteError matches the
// sentinel of its kind with errors.Is.
var (
	ErrNetworkFailure    = errors.New("remote: network failure")
	ErrAuthFailure       = errors.New("remote: auth failure")
	ErrValidationFailure = errors.New("remote: validation failure")
	ErrUnknownRemote     = errors.New("remote: unknown error")
)

// RemoteError is a typed failure returned by a RemoteCall.
type RemoteError struct {
	Kind    RemoteErrorKind
	Status  int    // HTTP status when the peer answered, 0 otherwise
	Message string // user-visible detail from the peer
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k RemoteErrorKind) sentinel() error {
	switch k {
	case RemoteNetworkFailure:
		return ErrNetworkFailure
	case RemoteAuthFailure:
		return ErrAuthFailure
	case RemoteValidationFailure:
		return ErrValidationFailure
	default:
		return ErrUnknownRemote
	}
}

// ClassifyRemote maps any error returned by a remote call to a failure kind.
func ClassifyRemote(err error) RemoteErrorKind {
	var re *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		if re.Kind == "" {
			return RemoteUnknownError
		}
		return re.Kind
	case errors.Is(err, ErrNetworkFailure):
		return RemoteNetworkFailure
	case errors.Is(err, ErrAuthFailure):
		return RemoteAuthFailure
	case errors.Is(err, ErrValidationFailure):
		return RemoteValidationFailure
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RemoteNetworkFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return RemoteNetworkFailure
	}
	return RemoteUnknownError
}
