package services

import "errors"

var (
	// ErrUpstreamUnreachable indicates the mirror could not be reached
	// (connection refused, DNS failure).
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout indicates a bounded wait on the mirror expired.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamProtocol indicates a malformed upstream response.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)
