package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken(provider string) *types.TokenInfo {
	return &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  "at-" + provider,
		RefreshToken: "rt-" + provider,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Provider:     provider,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", testToken("anthropic")))

	got, err := store.Load(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "at-anthropic", got.AccessToken)
	assert.Equal(t, "anthropic", got.Provider)

	require.NoError(t, store.Remove(ctx, "anthropic"))
	_, err = store.Load(ctx, "anthropic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permission check")
	}
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "gemini", testToken("gemini")))

	info, err := os.Stat(filepath.Join(dir, "gemini.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "openai.json"), []byte("{not json"), 0o600))
	_, err = store.Load(context.Background(), "openai")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

// A load racing a save must observe either the old or the new record.
func TestFileStoreConcurrentReadWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "copilot", testToken("copilot")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			newTok := testToken("copilot")
			newTok.AccessToken = "at-copilot-v2"
			assert.NoError(t, store.Save(ctx, "copilot", newTok))
		}()
		go func() {
			defer wg.Done()
			got, err := store.Load(ctx, "copilot")
			if assert.NoError(t, err) {
				assert.Contains(t, []string{"at-copilot", "at-copilot-v2"}, got.AccessToken)
			}
		}()
	}
	wg.Wait()
}
