// Package domain holds the error kinds shared by the external service
// clients and the adapters. Callers classify failures with errors.Is; the
// concrete messages carry the service-specific detail.
package domain

import "errors"

var (
	// ErrAuth indicates a missing, invalid or expired credential.
	ErrAuth = errors.New("invalid or missing credential")

	// ErrRateLimited indicates an exhausted API quota.
	ErrRateLimited = errors.New("rate limit exhausted")

	// ErrExternalService indicates a transient failure talking to an
	// external API (network, 5xx, malformed response).
	ErrExternalService = errors.New("external service failure")

	// ErrNotFound indicates a missing local directory or file.
	ErrNotFound = errors.New("not found")
)
