package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// FileStore keeps one JSON file per provider in a directory, written with
// owner-only permissions and replaced atomically (write temp, then rename).
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating the directory
// with mode 0700 if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: create token directory", ErrPermissionDenied)
		}
		return nil, backendErr("create token directory", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(provider string) (string, error) {
	if provider == "" || strings.ContainsAny(provider, `/\.`) {
		return "", fmt.Errorf("%w: invalid provider name", ErrBackend)
	}
	return filepath.Join(s.dir, provider+".json"), nil
}

// Load reads the token record for a provider.
func (s *FileStore) Load(ctx context.Context, provider string) (*types.TokenInfo, error) {
	path, err := s.path(provider)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, ErrNotFound
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: read token file", ErrPermissionDenied)
		default:
			return nil, backendErr("read token file", err)
		}
	}
	var tok types.TokenInfo
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, provider)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s: empty access token", ErrCorrupt, provider)
	}
	return &tok, nil
}

// Save durably writes the token record: the payload is written to a
// temporary file with mode 0600, fsynced, then renamed over the target.
func (s *FileStore) Save(ctx context.Context, provider string, token *types.TokenInfo) error {
	path, err := s.path(provider)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return backendErr("encode token", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, provider+".*.tmp")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: create temp file", ErrPermissionDenied)
		}
		return backendErr("create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return backendErr("chmod temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return backendErr("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return backendErr("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return backendErr("close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return backendErr("rename token file", err)
	}

	s.logger.Debug("token saved",
		zap.String("provider", provider),
		zap.String("store", "file"))
	return nil
}

// Remove deletes the token record. Removing a missing record is not an error.
func (s *FileStore) Remove(ctx context.Context, provider string) error {
	path, err := s.path(provider)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: remove token file", ErrPermissionDenied)
		}
		return backendErr("remove token file", err)
	}
	s.logger.Debug("token removed",
		zap.String("provider", provider),
		zap.String("store", "file"))
	return nil
}
