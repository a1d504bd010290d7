package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/relay/pkg/failure"
)

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) failure.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return failure.KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status >= 500:
		return failure.KindServer
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure.KindAuth
	case status == http.StatusNotFound:
		return failure.KindNotFound
	case status >= 400:
		return failure.KindInvalidRequest
	default:
		return failure.KindConnection
	}
}

// FromStatus builds a failure for an HTTP error response.
func FromStatus(providerID string, status int, header http.Header, message string, cause error) *failure.Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &failure.Error{
		Kind:       KindForStatus(status),
		Message:    fmt.Sprintf("HTTP %d: %s", status, message),
		Provider:   providerID,
		StatusCode: status,
		RetryAfter: RetryAfter(header, time.Now()),
		HasHeaders: true,
		Cause:      cause,
	}
}

// RetryAfter reads the server retry hint. It understands retry-after-ms,
// and retry-after as either seconds or an HTTP date. Zero means no hint.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}

	if v := strings.TrimSpace(header.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return hintDuration(ms, time.Millisecond)
		}
	}

	v := strings.TrimSpace(header.Get("retry-after"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return hintDuration(secs, time.Second)
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// hintDuration converts n units to a duration, saturating at the largest
// representable duration instead of overflowing.
func hintDuration(n float64, unit time.Duration) time.Duration {
	d := n * float64(unit)
	if math.IsNaN(d) || d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(d)
}

// classifyTransport maps errors raised without an HTTP response.
func classifyTransport(providerID string, err error) *failure.Error {
	if err == nil {
		return nil
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &failure.Error{Kind: failure.KindCancelled, Message: "request cancelled", Provider: providerID, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &failure.Error{Kind: failure.KindTimeout, Message: "request deadline exceeded", Provider: providerID, Cause: err}
	}

	if isConnectionError(err) {
		return &failure.Error{Kind: failure.KindConnection, Message: err.Error(), Provider: providerID, Cause: err}
	}

	return &failure.Error{Kind: failure.KindUnknown, Message: err.Error(), Provider: providerID, Cause: err}
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "no such host", "tls handshake"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// fromAPIError classifies an SDK API error carrying the raw HTTP response.
func fromAPIError(providerID string, status int, resp *http.Response, err error) *failure.Error {
	var header http.Header
	if resp != nil {
		header = resp.Header
	}
	if status == 0 {
		return classifyTransport(providerID, err)
	}
	return FromStatus(providerID, status, header, err.Error(), err)
}
