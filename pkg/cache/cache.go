// Package cache stores vendor API responses keyed by request URL, each with
// the timestamp of the request that produced it. Drivers consult the cache
// before going to the vendor and treat entries older than their poll
// interval as stale.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMiss is returned when no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Entry is one cached response.
type Entry struct {
	// Payload is the raw response body.
	Payload json.RawMessage `json:"payload"`

	// RequestTimestamp records when the response was fetched.
	RequestTimestamp time.Time `json:"request_timestamp"`
}

// Fresh reports whether the entry is younger than maxAge at the given time.
func (e *Entry) Fresh(maxAge time.Duration, now time.Time) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.RequestTimestamp) < maxAge
}

// Store is a URL-keyed response cache.
type Store interface {
	// Get returns the entry for key, or ErrMiss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores an entry for key, replacing any existing one.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry for key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}
