// Package objectstore implements the persistent object-store backend:
// a cache backend mediated by an injected transport contract so the
// core never depends on a specific cloud SDK.
package objectstore

import (
	"context"
	"fmt"
	"io"
)

// NotFoundError is returned by Transport.Get (and may be returned by
// Delete) to signal that the named object does not exist. Implementers
// of Transport must return a *NotFoundError (or wrap one so
// errors.As succeeds) rather than a generic error for this case.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object not found: bucket=%s key=%s", e.Bucket, e.Key)
}

// Page is one page of a List call.
type Page struct {
	Keys            []string
	NextToken       string
	HasContinuation bool
}

// Transport is the minimal surface the object-store backend needs from
// a remote object bucket. Implementations are assumed thread-safe; the
// backend itself holds no internal mutex.
type Transport interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	DeleteMany(ctx context.Context, bucket string, keys []string) error
	// List returns up to max keys starting after continuationToken (empty
	// for the first page). max is capped to 1000 by callers.
	List(ctx context.Context, bucket, continuationToken string, max int) (Page, error)
	HeadBucket(ctx context.Context, bucket string) error
}
