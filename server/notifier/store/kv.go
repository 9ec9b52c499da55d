// Package store provides the key-value persistence port used to cache the
// last-known notification snapshot across restarts. The cache is never the
// source of truth: the remote store always wins on reconciliation.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
