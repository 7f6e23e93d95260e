package auth

import (
	"context"

	"github.com/greyhelm/lorekeeper/types"
)

// CallbackStore delegates every operation to caller-supplied functions.
// Used by the test harness and by hosts that own their own secret storage.
type CallbackStore struct {
	LoadFunc   func(ctx context.Context, provider string) (*types.TokenInfo, error)
	SaveFunc   func(ctx context.Context, provider string, token *types.TokenInfo) error
	RemoveFunc func(ctx context.Context, provider string) error
}

func (s *CallbackStore) Load(ctx context.Context, provider string) (*types.TokenInfo, error) {
	if s.LoadFunc == nil {
		return nil, ErrNotFound
	}
	return s.LoadFunc(ctx, provider)
}

func (s *CallbackStore) Save(ctx context.Context, provider string, token *types.TokenInfo) error {
	if s.SaveFunc == nil {
		return backendErr("save", errNoCallback)
	}
	return s.SaveFunc(ctx, provider, token)
}

func (s *CallbackStore) Remove(ctx context.Context, provider string) error {
	if s.RemoveFunc == nil {
		return backendErr("remove", errNoCallback)
	}
	return s.RemoveFunc(ctx, provider)
}
