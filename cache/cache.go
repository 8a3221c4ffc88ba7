// Package cache stores model generated image descriptions as one JSON file
// per image inside the vault's config directory.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"

	"github.com/apex/log"

	"github.com/chriskillpack/imganalyzer/vault"
)

// Dir is the cache location relative to the vault's config directory.
const Dir = "plugins/ai-image-analyzer/cache"

// Entry is the on-disk document. The field names are shared with other
// tools reading the cache, do not rename them.
type Entry struct {
	Path       string `json:"path"`
	Text       string `json:"text"`
	LibVersion string `json:"libVersion"`
}

type Store struct {
	fs      vault.FS
	dir     string
	version string
	log     log.Interface
}

// New returns a Store keeping its files under configDir/Dir. version is
// recorded in every entry written.
func New(fs vault.FS, configDir, version string, logger log.Interface) *Store {
	if logger == nil {
		logger = log.Log
	}
	return &Store{
		fs:      fs,
		dir:     path.Join(configDir, Dir),
		version: version,
		log:     logger.WithField("component", "cache"),
	}
}

// Key returns the cache key of an image. It depends only on the path, so an
// edited image keeps its old description until the entry is removed.
func Key(p string) string {
	sum := md5.Sum([]byte(p))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) file(p string) string {
	return path.Join(s.dir, Key(p)+".json")
}

func (s *Store) Exists(p string) bool {
	ok, err := s.fs.Exists(s.file(p))
	if err != nil {
		s.log.WithError(err).WithField("path", p).Debug("cache stat failed")
		return false
	}
	return ok
}

// Read returns the cached entry for p. Empty or unreadable entries are
// deleted and reported as absent.
func (s *Store) Read(p string) (*Entry, bool) {
	f := s.file(p)
	ok, err := s.fs.Exists(f)
	if err != nil || !ok {
		return nil, false
	}

	data, err := s.fs.ReadText(f)
	if err != nil {
		s.log.WithError(err).WithField("path", p).Warn("reading cache entry")
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		s.log.WithError(err).WithField("path", p).Warn("corrupt cache entry, evicting")
		s.evict(f)
		return nil, false
	}
	if e.Text == "" {
		s.log.WithField("path", p).Debug("empty cache entry, evicting")
		s.evict(f)
		return nil, false
	}

	return &e, true
}

func (s *Store) evict(f string) {
	if err := s.fs.Remove(f); err != nil {
		s.log.WithError(err).WithField("file", f).Warn("evicting cache entry")
	}
}

// Write records text as the description of p. Empty text is ignored.
func (s *Store) Write(p, text string) error {
	if text == "" {
		return nil
	}

	if err := s.fs.Mkdir(s.dir); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	data, err := json.Marshal(&Entry{Path: p, Text: text, LibVersion: s.version})
	if err != nil {
		return err
	}
	if err := s.fs.WriteText(s.file(p), string(data)); err != nil {
		return fmt.Errorf("writing cache entry for %s: %w", p, err)
	}

	s.log.WithField("path", p).Debug("cached")
	return nil
}

func (s *Store) Remove(p string) error {
	f := s.file(p)
	ok, err := s.fs.Exists(f)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return s.fs.Remove(f)
}

// Clear removes every entry. It is a no-op when the cache was never written.
func (s *Store) Clear() error {
	ok, err := s.fs.Exists(s.dir)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.fs.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	s.log.Info("cache cleared")
	return nil
}
