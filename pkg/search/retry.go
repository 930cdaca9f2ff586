package search

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingIndex decorates an Index with bounded exponential backoff so a
// transient indexing hiccup still lands the document. It stays best effort:
// once the retries are spent the error is surfaced for logging only.
type RetryingIndex struct {
	inner      Index
	maxRetries uint64
}

// NewRetryingIndex wraps inner with up to maxRetries re-attempts per Put.
func NewRetryingIndex(inner Index, maxRetries uint64) *RetryingIndex {
	return &RetryingIndex{inner: inner, maxRetries: maxRetries}
}

// Put implements Index
func (r *RetryingIndex) Put(ctx context.Context, docs []Document) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		return r.inner.Put(ctx, docs)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
}
