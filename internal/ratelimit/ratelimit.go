// Package ratelimit implements per-(identity, path) request limiting with a
// fixed-window in-memory backend and a Redis sliding-window backend for
// multi-instance deployments.
package ratelimit

import "context"

// Limiter decides whether a request from identity to path may proceed.
type Limiter interface {
	Allow(ctx context.Context, identity, path string) (bool, error)
}
