package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

type NetworkErrorKind string

const (
	NetworkRefused   NetworkErrorKind = "refused"
	NetworkNotFound  NetworkErrorKind = "not_found"
	NetworkTimeout   NetworkErrorKind = "timeout"
	NetworkCancelled NetworkErrorKind = "cancelled"
	NetworkOther     NetworkErrorKind = "other"
)

// NetworkError is a dispatch failure with no HTTP response.
type NetworkError struct {
	Kind    NetworkErrorKind `json:"kind"`
	Message string           `json:"message"`
	Err     error            `json:"-"`
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// classifyNetworkError maps a transport error to a NetworkError. parent is
// the caller's context, used to tell cancellation from a request timeout.
func classifyNetworkError(parent context.Context, err error) *NetworkError {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne
	}

	if parentErr := parent.Err(); parentErr != nil {
		if errors.Is(parentErr, context.DeadlineExceeded) {
			return &NetworkError{Kind: NetworkTimeout, Message: "Request timed out", Err: err}
		}
		return &NetworkError{Kind: NetworkCancelled, Message: "Request cancelled", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Kind: NetworkTimeout, Message: "Request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &NetworkError{Kind: NetworkCancelled, Message: "Request cancelled", Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &NetworkError{Kind: NetworkRefused, Message: "Connection refused: " + err.Error(), Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return &NetworkError{Kind: NetworkTimeout, Message: "DNS lookup timed out: " + dnsErr.Name, Err: err}
		}
		return &NetworkError{Kind: NetworkNotFound, Message: "Host not found: " + dnsErr.Name, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NetworkError{Kind: NetworkTimeout, Message: "Request timed out", Err: err}
	}

	return &NetworkError{Kind: NetworkOther, Message: err.Error(), Err: err}
}
