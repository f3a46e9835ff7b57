package domain

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNoArtifact is returned when no candidate month of a monthly
	// archive answered within the look-back bound.
	ErrNoArtifact = errors.New("no artifact found")
	// ErrMarkerRegression is returned when a freshness marker would move
	// backwards.
	ErrMarkerRegression = errors.New("freshness marker regression")
	// ErrMissingControls marks a control mapping document without a
	// top-level "controls" object.
	ErrMissingControls = errors.New("mapping has no controls object")
	ErrNotFound        = errors.New("not found")
	ErrMalformed       = errors.New("malformed input")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Error classes used as metric labels.
const (
	ErrTypeNetwork   = "network"
	ErrTypeTimeout   = "timeout"
	ErrTypeMalformed = "malformed"
	ErrTypeConfig    = "config"
	ErrTypeState     = "state"
	ErrTypeUnknown   = "unknown"
)

// ClassifyError maps an error onto the pipeline's error taxonomy.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") {
		return ErrTypeTimeout
	}
	if errors.Is(err, ErrInvalidConfig) {
		return ErrTypeConfig
	}
	if errors.Is(err, ErrMarkerRegression) {
		return ErrTypeState
	}

	var (
		statusErr *StatusError
		netErr    *net.OpError
		dnsErr    *net.DNSError
	)
	if errors.As(err, &statusErr) || errors.As(err, &netErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, ErrNoArtifact) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") {
		return ErrTypeNetwork
	}

	var (
		xmlErr  *xml.SyntaxError
		jsonErr *json.SyntaxError
	)
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrMissingControls) ||
		errors.As(err, &xmlErr) || errors.As(err, &jsonErr) ||
		strings.Contains(msg, "not a valid zip file") {
		return ErrTypeMalformed
	}

	return ErrTypeUnknown
}
