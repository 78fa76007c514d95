package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// CorruptWarning reports that the primary checkpoint file was unreadable and
// what Load fell back to. It is advisory, never fatal.
type CorruptWarning struct {
	Path     string
	Fallback string // "backup" or "empty"
	Err      error
}

func (w *CorruptWarning) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt (recovered from %s): %v", w.Path, w.Fallback, w.Err)
}

func (w *CorruptWarning) Unwrap() error { return w.Err }

// Manager owns one checkpoint file. Writes go through a temporary file in the
// same directory, are flushed, then atomically renamed over the previous file;
// the prior content is kept as a single-generation backup. All writes are
// serialized through the manager's mutex so concurrent stage completions never
// produce a torn snapshot.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the checkpoint at path. The file need not
// exist yet.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string { return m.path }

func (m *Manager) backupPath() string { return m.path + ".bak" }

// Save persists the checkpoint atomically. A reader never observes a
// partially-written file: it sees either the prior content or the new content.
func (m *Manager) Save(c *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure checkpoint dir: %w", err)
	}

	// Rotate the current file into the single-generation backup before the
	// rename lands the new content.
	if _, err := os.Stat(m.path); err == nil {
		if err := copyFile(m.path, m.backupPath()); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	}

	if err := writeFileAtomic(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. A missing file yields a fresh empty checkpoint.
// If the primary file fails to parse, Load falls back to the backup; if both
// are unreadable it returns an empty checkpoint plus a CorruptWarning.
func (m *Manager) Load() (*Checkpoint, *CorruptWarning) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := readCheckpoint(m.path)
	if err == nil {
		return c.normalize(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}

	if backup, backupErr := readCheckpoint(m.backupPath()); backupErr == nil {
		return backup.normalize(), &CorruptWarning{Path: m.path, Fallback: "backup", Err: err}
	}
	return New(), &CorruptWarning{Path: m.path, Fallback: "empty", Err: err}
}

// Archive retires a fully-completed checkpoint by renaming it aside, so the
// next run of the same pipeline starts fresh.
func (m *Manager) Archive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Rename(m.path, m.path+".done"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive checkpoint: %w", err)
	}
	os.Remove(m.backupPath())
	return nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

// writeFileAtomic writes data to a temp file in path's directory, syncs it,
// then renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Best-effort: some filesystems reject directory fsync.
	d.Sync()
	return nil
}
