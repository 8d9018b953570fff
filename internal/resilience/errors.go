package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// StatusError reports a non-2xx answer from an HTTP sink.
type StatusError struct {
	Sink string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Sink, e.Code)
}

// Gone reports whether the receiver has been deleted (410).
func (e *StatusError) Gone() bool { return e.Code == 410 }

// Outcome kinds used as log fields and metric labels.
const (
	KindOK       = "ok"
	KindTimeout  = "timeout"
	KindCanceled = "canceled"
	KindOpen     = "breaker_open"
	KindGone     = "gone"
	KindStatus   = "status"
	KindNetwork  = "network"
	KindError    = "error"
)

// Kind buckets a sink error into a small fixed set of labels.
func Kind(err error) string {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, ErrOpen) {
		return KindOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Gone() {
			return KindGone
		}
		return KindStatus
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if isNetwork(err) {
		return KindNetwork
	}
	return KindError
}

func isNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"no such host",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
