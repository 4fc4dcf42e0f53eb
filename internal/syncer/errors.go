package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// DeliveryError describes a failed delivery attempt. Retryable is set
// by the transport layer; retry policy keys off this field rather than
// inspecting error messages.
type DeliveryError struct {
	StatusCode int // zero when the request never got a response
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// transportError wraps an error from the HTTP round trip. Anything
// that failed before a response arrived is network-class and retryable,
// except an explicit caller cancellation.
func transportError(err error) *DeliveryError {
	retryable := true
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	// Unwrap url.Error so logs carry the cause, not the wrapper.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		retryable = true
	}

	return &DeliveryError{Retryable: retryable, Err: err}
}

// statusError classifies a non-success HTTP status. Server-side and
// throttling statuses are retryable; client errors (bad token,
// malformed payload) are permanent and retrying would be pointless.
func statusError(status int, message string) *DeliveryError {
	retryable := status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests

	err := fmt.Errorf("server rejected delivery: %s", message)
	if message == "" {
		err = fmt.Errorf("server rejected delivery")
	}

	return &DeliveryError{StatusCode: status, Retryable: retryable, Err: err}
}
