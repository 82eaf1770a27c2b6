// Package workspace manages isolated per-session working directories.
// Every session gets a fresh directory under a configured root; nothing
// outside that root is ever touched.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrAlreadyExists indicates a second provision call for the same
	// session id. Under correct registry use this never happens.
	ErrAlreadyExists = errors.New("workspace already exists")

	// ErrResourceExhausted indicates the workspace root cannot hold
	// another directory (disk or inode quota).
	ErrResourceExhausted = errors.New("workspace resources exhausted")

	// ErrInvalidSessionID indicates a session id that is not a plain
	// opaque token and therefore unsafe to use as a path element.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrOutsideRoot indicates a reclaim request for a path that does
	// not live under the configured workspace root.
	ErrOutsideRoot = errors.New("path outside workspace root")
)

// Session ids are opaque tokens, never path fragments. Anything outside
// this alphabet is rejected before it reaches the filesystem.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager provisions and reclaims per-session workspace directories.
type Manager struct {
	root        string
	archiveRoot string
}

// ManagerConfig holds configuration for the workspace manager.
type ManagerConfig struct {
	// Root is the directory under which all workspaces are created.
	Root string
	// ArchiveRoot receives retained workspaces on reclaim. Defaults to
	// a sibling of Root named "<root>-archive".
	ArchiveRoot string
}

// NewManager creates the workspace root if needed and returns a manager
// scoped to it. Failure here is fatal for the server: no session can be
// admitted without a usable root.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	archiveRoot := strings.TrimSpace(cfg.ArchiveRoot)
	if archiveRoot == "" {
		archiveRoot = root + "-archive"
	}
	archiveRoot, err = filepath.Abs(archiveRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}

	return &Manager{root: root, archiveRoot: archiveRoot}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Provision creates a fresh, empty directory for the given session id
// and returns its absolute path.
func (m *Manager) Provision(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	path := filepath.Join(m.root, sessionID)
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
		}
		return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	return path, nil
}

// Reclaim removes a workspace directory, or moves it to the archive root
// when retain is set. Reclaiming an already-removed path succeeds
// silently so callers can retry without bookkeeping.
func (m *Manager) Reclaim(path string, retain bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if !strings.HasPrefix(abs, m.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil
	}

	if retain {
		return m.archive(abs)
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// archive moves a workspace into the archive root instead of deleting it.
// An existing archive entry with the same name gets a timestamp suffix
// rather than being overwritten.
func (m *Manager) archive(abs string) error {
	if err := os.MkdirAll(m.archiveRoot, 0o755); err != nil {
		return fmt.Errorf("create archive root: %w", err)
	}

	dest := filepath.Join(m.archiveRoot, filepath.Base(abs))
	if _, err := os.Stat(dest); err == nil {
		dest = dest + "-" + time.Now().UTC().Format("20060102T150405")
	}

	if err := os.Rename(abs, dest); err != nil {
		return fmt.Errorf("archive workspace: %w", err)
	}

	slog.Info("Workspace archived", "path", abs, "archive", dest)
	return nil
}
