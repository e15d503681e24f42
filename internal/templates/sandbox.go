package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sandbox confines template overrides to one directory. Lookups that climb
// out of the root, directly or through symlinks, fail.
type Sandbox struct {
	dir  string
	root *os.Root
}

// NewSandbox opens dir, which must exist and be a directory.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: open root: %w", err)
	}
	return &Sandbox{dir: abs, root: root}, nil
}

// Root is the absolute sandbox directory.
func (s *Sandbox) Root() string { return s.dir }

// ReadFile reads name relative to the root.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("templates: sandbox is nil")
	}
	clean, err := s.clean(name)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.root.FS(), clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("templates: read %q: %w", name, err)
		}
		return nil, fmt.Errorf("templates: path %q escapes sandbox or is unreadable: %w", name, err)
	}
	return data, nil
}

// Exists reports whether name is a regular file inside the root.
func (s *Sandbox) Exists(name string) bool {
	if s == nil {
		return false
	}
	clean, err := s.clean(name)
	if err != nil {
		return false
	}
	info, err := s.root.Stat(clean)
	return err == nil && info.Mode().IsRegular()
}

// Close releases the root handle.
func (s *Sandbox) Close() error {
	if s == nil || s.root == nil {
		return nil
	}
	return s.root.Close()
}

func (s *Sandbox) clean(name string) (string, error) {
	rel := filepath.ToSlash(name)
	if filepath.IsAbs(name) {
		r, err := filepath.Rel(s.dir, name)
		if err != nil {
			return "", fmt.Errorf("templates: path %q escapes sandbox", name)
		}
		rel = filepath.ToSlash(r)
	}
	rel = path.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") || !fs.ValidPath(rel) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	return rel, nil
}
