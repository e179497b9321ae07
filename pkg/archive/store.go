// Package archive persists exported evidence packs for long-term
// retention. Packs are keyed by session ID; a pack is immutable once
// written, so re-archiving the same session is a checksum-verified
// no-op.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/canonicalize"
)

// Store is the retention backend for evidence packs.
type Store interface {
	// Put persists a pack and returns its storage key.
	Put(ctx context.Context, pack audit.EvidencePack) (string, error)
	// Get retrieves a pack's archive bytes by session ID.
	Get(ctx context.Context, sessionID string) ([]byte, error)
	// Exists reports whether a pack is archived for the session.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func objectKey(prefix, sessionID string) (string, error) {
	if !sessionKeyPattern.MatchString(sessionID) {
		return "", fmt.Errorf("archive: invalid session id %q", sessionID)
	}
	return prefix + sessionID + ".zip", nil
}

// FSStore keeps packs on the local filesystem.
type FSStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSStore creates the retention directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, pack audit.EvidencePack) (string, error) {
	key, err := objectKey("", pack.SessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, key)
	if existing, err := os.ReadFile(path); err == nil {
		if canonicalize.HashBytes(existing) != pack.Checksum {
			return "", fmt.Errorf("archive: pack for %s already archived with different content", pack.SessionID)
		}
		return key, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pack.Archive, 0o644); err != nil {
		return "", fmt.Errorf("archive: write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit pack: %w", err)
	}
	return key, nil
}

func (s *FSStore) Get(_ context.Context, sessionID string) ([]byte, error) {
	key, err := objectKey("", sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("archive: no pack for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read pack: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, sessionID string) (bool, error) {
	key, err := objectKey("", sessionID)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var _ Store = (*FSStore)(nil)
