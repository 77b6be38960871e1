// Package credentials persists per-session WhatsApp login material.
//
// Each session owns a directory under a common base path. The directory holds
// the opaque credential blob managed by this package plus whatever state the
// protocol client keeps alongside it (the device database). Removing the
// directory is equivalent to logging the session out of its linked device.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Load when no credentials exist for a session.
var ErrNotFound = errors.New("credentials not found")

// ErrInvalidID is returned when a session id is unusable as a directory name.
var ErrInvalidID = errors.New("invalid session id")

const blobFile = "creds.bin"

// Store defines the interface for credential persistence.
type Store interface {
	// Load retrieves the credential blob for a session, or ErrNotFound.
	Load(sessionID string) ([]byte, error)

	// Save durably stores the credential blob for a session.
	Save(sessionID string, blob []byte) error

	// Clear removes all stored state for a session. Idempotent.
	Clear(sessionID string) error

	// List returns the ids of sessions with state on disk.
	List() ([]string, error)

	// SessionDir returns (and creates) the directory owned by a session,
	// for collaborators that keep their own files there.
	SessionDir(sessionID string) (string, error)
}

// DirStore stores credentials as one directory per session under a base path.
type DirStore struct {
	base   string
	logger *slog.Logger
}

// NewDirStore creates a DirStore rooted at base, creating it if needed.
func NewDirStore(base string, logger *slog.Logger) (*DirStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &DirStore{base: base, logger: logger}, nil
}

// Load retrieves the credential blob for a session.
func (s *DirStore) Load(sessionID string) ([]byte, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, blobFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", sessionID, err)
	}
	return data, nil
}

// Save durably stores the credential blob for a session. The write goes
// through a temp file so a crash can not leave a torn blob behind.
func (s *DirStore) Save(sessionID string, blob []byte) error {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, blobFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("save credentials for %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, blobFile)); err != nil {
		return fmt.Errorf("save credentials for %s: %w", sessionID, err)
	}
	return nil
}

// Clear removes all stored state for a session. A no-op if nothing is stored.
func (s *DirStore) Clear(sessionID string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear credentials for %s: %w", sessionID, err)
	}
	s.logger.Debug("credentials cleared", "session", sessionID)
	return nil
}

// List returns the ids of sessions with state on disk.
func (s *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("list credential dirs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// SessionDir returns the directory owned by a session, creating it if needed.
func (s *DirStore) SessionDir(sessionID string) (string, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir for %s: %w", sessionID, err)
	}
	return dir, nil
}

func (s *DirStore) dir(sessionID string) (string, error) {
	if err := ValidateID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(s.base, sessionID), nil
}

// ValidateID rejects session ids that can not serve as directory names.
// Ids come from external callers, so path traversal must be impossible.
func ValidateID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if sessionID == "." || sessionID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, sessionID)
	}
	return nil
}
