package auth

import (
	"context"
	"testing"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "ollama")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "ollama", testToken("ollama")))
	got, err := store.Load(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, "at-ollama", got.AccessToken)

	// The store hands out copies, not aliases.
	got.AccessToken = "mutated"
	again, err := store.Load(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, "at-ollama", again.AccessToken)

	require.NoError(t, store.Remove(ctx, "ollama"))
	_, err = store.Load(ctx, "ollama")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeKeyring struct {
	entries map[string]string
}

func (f *fakeKeyring) key(service, account string) string { return service + "/" + account }

func (f *fakeKeyring) Get(service, account string) (string, error) {
	v, ok := f.entries[f.key(service, account)]
	if !ok {
		return "", ErrKeyringMiss
	}
	return v, nil
}

func (f *fakeKeyring) Set(service, account, secret string) error {
	f.entries[f.key(service, account)] = secret
	return nil
}

func (f *fakeKeyring) Delete(service, account string) error {
	delete(f.entries, f.key(service, account))
	return nil
}

func TestKeychainStore(t *testing.T) {
	ring := &fakeKeyring{entries: make(map[string]string)}
	store := NewKeychainStore("", ring)
	ctx := context.Background()

	_, err := store.Load(ctx, "anthropic")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "anthropic", testToken("anthropic")))
	got, err := store.Load(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "at-anthropic", got.AccessToken)

	require.NoError(t, store.Remove(ctx, "anthropic"))
	_, err = store.Load(ctx, "anthropic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallbackStore(t *testing.T) {
	saved := make(map[string]types.TokenInfo)
	store := &CallbackStore{
		LoadFunc: func(ctx context.Context, provider string) (*types.TokenInfo, error) {
			tok, ok := saved[provider]
			if !ok {
				return nil, ErrNotFound
			}
			return &tok, nil
		},
		SaveFunc: func(ctx context.Context, provider string, token *types.TokenInfo) error {
			saved[provider] = *token
			return nil
		},
		RemoveFunc: func(ctx context.Context, provider string) error {
			delete(saved, provider)
			return nil
		},
	}

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "gemini", testToken("gemini")))
	got, err := store.Load(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Provider)
	require.NoError(t, store.Remove(ctx, "gemini"))
	_, err = store.Load(ctx, "gemini")
	assert.ErrorIs(t, err, ErrNotFound)
}
