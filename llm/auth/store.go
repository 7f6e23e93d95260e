// Package auth provides pluggable persistence for provider credentials.
// All stores are safe for concurrent use and never place token bytes in
// error messages or logs.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/greyhelm/lorekeeper/types"
)

// Sentinel store errors. Backend failures wrap ErrBackend.
var (
	ErrNotFound         = errors.New("token not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCorrupt          = errors.New("token record corrupt")
	ErrBackend          = errors.New("token store backend error")
)

// Store persists one TokenInfo per provider. Load returns ErrNotFound when
// no record exists. Save must be durable before returning. A Load that races
// a Save returns either the prior or the new record, never a partial one.
type Store interface {
	Load(ctx context.Context, provider string) (*types.TokenInfo, error)
	Save(ctx context.Context, provider string, token *types.TokenInfo) error
	Remove(ctx context.Context, provider string) error
}

// backendErr wraps an inner backend failure without leaking token bytes.
func backendErr(op string, inner error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackend, op, inner)
}
