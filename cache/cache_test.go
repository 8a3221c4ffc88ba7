package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriskillpack/imganalyzer/vault"
)

func newStore(t *testing.T) (*Store, *vault.Dir) {
	t.Helper()

	d, err := vault.Open(t.TempDir())
	require.NoError(t, err)

	logger := &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
	return New(d, vault.ConfigDir, "1.2.3", logger), d
}

func TestKey(t *testing.T) {
	// md5("") and md5("a.png") are stable
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Key(""))
	assert.Equal(t, Key("photos/a.png"), Key("photos/a.png"))
	assert.NotEqual(t, Key("photos/a.png"), Key("photos/b.png"))
	assert.Len(t, Key("anything"), 32)
}

func TestWriteRead(t *testing.T) {
	s, d := newStore(t)

	require.NoError(t, s.Write("img/cat.png", "cat, animal"))
	assert.True(t, s.Exists("img/cat.png"))

	e, ok := s.Read("img/cat.png")
	require.True(t, ok)
	assert.Equal(t, &Entry{Path: "img/cat.png", Text: "cat, animal", LibVersion: "1.2.3"}, e)

	// File name is the md5 of the path
	raw, err := d.ReadText(filepath.ToSlash(filepath.Join(vault.ConfigDir, Dir, Key("img/cat.png")+".json")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"img/cat.png","text":"cat, animal","libVersion":"1.2.3"}`, raw)
}

func TestWriteEmptyIsNoop(t *testing.T) {
	s, d := newStore(t)

	require.NoError(t, s.Write("a.png", ""))
	assert.False(t, s.Exists("a.png"))

	// The directory is not even created
	ok, err := d.Exists(s.Dir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadEvictsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty text", `{"path":"a.png","text":"","libVersion":"1"}`},
		{"corrupt json", `{"path":`},
		{"empty file", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d := newStore(t)
			require.NoError(t, d.Mkdir(s.Dir()))
			require.NoError(t, os.WriteFile(
				filepath.Join(d.Root(), filepath.FromSlash(s.Dir()), Key("a.png")+".json"),
				[]byte(tt.content), 0o644))
			require.True(t, s.Exists("a.png"))

			_, ok := s.Read("a.png")
			assert.False(t, ok)
			assert.False(t, s.Exists("a.png"))
		})
	}
}

func TestReadMissing(t *testing.T) {
	s, _ := newStore(t)

	_, ok := s.Read("nope.png")
	assert.False(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	s, d := newStore(t)

	// Both are fine on an empty cache
	require.NoError(t, s.Remove("a.png"))
	require.NoError(t, s.Clear())

	require.NoError(t, s.Write("a.png", "a"))
	require.NoError(t, s.Write("b.png", "b"))

	require.NoError(t, s.Remove("a.png"))
	assert.False(t, s.Exists("a.png"))
	assert.True(t, s.Exists("b.png"))

	require.NoError(t, s.Clear())
	assert.False(t, s.Exists("b.png"))
	ok, err := d.Exists(s.Dir())
	require.NoError(t, err)
	assert.False(t, ok)

	// Writing after a clear recreates the directory
	require.NoError(t, s.Write("c.png", "c"))
	assert.True(t, s.Exists("c.png"))
}
