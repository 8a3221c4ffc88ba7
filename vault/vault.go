// Package vault provides access to the files of a notes vault using
// vault-relative, slash separated paths.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ConfigDir is the name of the vault's config directory.
const ConfigDir = ".obsidian"

var ErrOutsideVault = errors.New("path escapes vault root")

// FS is the file access the analyzer needs from its host.
type FS interface {
	Exists(p string) (bool, error)
	ReadBinary(p string) ([]byte, error)
	ReadText(p string) (string, error)
	// WriteText replaces the file at p. The write is atomic, readers never
	// observe a partially written file.
	WriteText(p, data string) error
	Mkdir(p string) error
	Remove(p string) error
	RemoveAll(p string) error
}

// Dir implements FS on a directory of the local filesystem.
type Dir struct {
	root string
}

var _ FS = &Dir{}

func Open(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("vault %s is not a directory", abs)
	}

	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// ConfigDir returns the vault-relative path of the config directory.
func (d *Dir) ConfigDir() string { return ConfigDir }

// Abs maps a vault-relative path to a path on disk.
func (d *Dir) Abs(p string) (string, error) {
	slashed := filepath.ToSlash(p)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrOutsideVault, p)
		}
	}

	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+slashed))), nil
}

// Rel maps a path on disk back to a vault-relative path.
func (d *Dir) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideVault, abs)
	}

	return filepath.ToSlash(rel), nil
}

func (d *Dir) Exists(p string) (bool, error) {
	abs, err := d.Abs(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return err == nil, err
}

func (d *Dir) ReadBinary(p string) ([]byte, error) {
	abs, err := d.Abs(p)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(abs)
}

func (d *Dir) ReadText(p string) (string, error) {
	b, err := d.ReadBinary(p)
	return string(b), err
}

func (d *Dir) WriteText(p, data string) error {
	abs, err := d.Abs(p)
	if err != nil {
		return err
	}

	// Readers see either the old file or the new one, never a partial write
	return renameio.WriteFile(abs, []byte(data), 0o644)
}

func (d *Dir) Mkdir(p string) error {
	abs, err := d.Abs(p)
	if err != nil {
		return err
	}

	return os.MkdirAll(abs, 0o755)
}

func (d *Dir) Remove(p string) error {
	abs, err := d.Abs(p)
	if err != nil {
		return err
	}

	return os.Remove(abs)
}

func (d *Dir) RemoveAll(p string) error {
	abs, err := d.Abs(p)
	if err != nil {
		return err
	}
	if abs == d.root {
		return fmt.Errorf("refusing to remove vault root")
	}

	return os.RemoveAll(abs)
}

// Walk calls fn for every image in the vault, skipping dot directories such
// as the config dir.
func (d *Dir) Walk(fn func(rel string, fi fs.FileInfo) error) error {
	return filepath.Walk(d.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != d.root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsImage(p) {
			return nil
		}

		rel, err := d.Rel(p)
		if err != nil {
			return err
		}
		return fn(rel, info)
	})
}
