package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/vault"
)

func TestDefaults(t *testing.T) {
	s := Defaults()

	assert.Equal(t, provider.Ollama, s.Provider)
	assert.Equal(t, DefaultPrompt, s.Prompt)
	assert.True(t, s.AutoClearCache)
	assert.Equal(t, "http://127.0.0.1:11434", s.Ollama.URL)
	assert.Equal(t, "llava-llama3:latest", s.SelectedImageModel.Model)
	assert.Equal(t, "llama3.2", s.SelectedModel.Model)
	require.NoError(t, s.Validate())
}

func TestStoreRoundTrip(t *testing.T) {
	d, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	st := NewStore(d, vault.ConfigDir)

	// Missing file yields defaults
	s, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)

	s.Provider = provider.Gemini
	s.Gemini.APIKey = "key"
	s.Prompt = "List objects"
	require.NoError(t, st.Save(s))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, s, got)

	raw, err := d.ReadText(".obsidian/plugins/ai-image-analyzer/data.json")
	require.NoError(t, err)
	assert.Contains(t, raw, `"apiKey": "key"`)
	assert.Contains(t, raw, `"imageReady": true`)
}

func TestStoreMergesPartialDocument(t *testing.T) {
	d, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	st := NewStore(d, vault.ConfigDir)

	require.NoError(t, d.Mkdir(".obsidian/plugins/ai-image-analyzer"))
	require.NoError(t, d.WriteText(st.Path(), `{"debug":true,"ollamaSettings":{"token":"t"}}`))

	s, err := st.Load()
	require.NoError(t, err)
	assert.True(t, s.Debug)
	assert.Equal(t, "t", s.Ollama.Token)
	// Untouched fields keep their defaults
	assert.Equal(t, DefaultOllamaURL, s.Ollama.URL)
	assert.Equal(t, DefaultPrompt, s.Prompt)
}

func TestValidate(t *testing.T) {
	s := Defaults()
	s.Prompt = "  "
	s.Ollama.URL = ""
	require.NoError(t, s.Validate())
	assert.Equal(t, DefaultPrompt, s.Prompt)
	assert.Equal(t, DefaultOllamaURL, s.Ollama.URL)

	s.Provider = "testing"
	assert.Error(t, s.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	tomlFile := filepath.Join(dir, "imganalyzer.toml")
	require.NoError(t, os.WriteFile(tomlFile, []byte(`
provider = "gemini"
auto_clear_cache = false

[gemini]
api_key = "abc"
requests_per_minute = 5

[ollama]
fallback_url = "http://backup:11434"
`), 0o644))

	s := Defaults()
	require.NoError(t, LoadFile(s, tomlFile))
	assert.Equal(t, provider.Gemini, s.Provider)
	assert.False(t, s.AutoClearCache)
	assert.Equal(t, "abc", s.Gemini.APIKey)
	assert.Equal(t, 5, s.Gemini.RequestsPerMinute)
	assert.Equal(t, "http://backup:11434", s.Ollama.FallbackURL)
	assert.Equal(t, DefaultOllamaURL, s.Ollama.URL)

	jsonFile := filepath.Join(dir, "imganalyzer.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"provider":"openai","openaiSettings":{"baseUrl":"http://localhost:8000/v1"}}`), 0o644))
	require.NoError(t, LoadFile(s, jsonFile))
	assert.Equal(t, provider.OpenAI, s.Provider)
	assert.Equal(t, "http://localhost:8000/v1", s.OpenAI.BaseURL)

	badFile := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badFile, []byte(`provider = `), 0o644))
	assert.Error(t, LoadFile(Defaults(), badFile))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "gpu-box:11434")
	t.Setenv("GEMINI_API_KEY", "from-env")

	s := Defaults()
	s.ApplyEnv()
	assert.Equal(t, "http://gpu-box:11434", s.Ollama.URL)
	assert.Equal(t, "from-env", s.Gemini.APIKey)
}

func TestLastModels(t *testing.T) {
	s := Defaults()

	m := provider.Model{Name: "Gemini 1.5 Pro", Model: "models/gemini-1.5-pro", ImageReady: true, Provider: provider.Gemini}
	s.SetLastModel(m)
	_, image := s.LastModels(provider.Gemini)
	assert.Equal(t, m, image)

	// Text models land in the text slot only
	tm := provider.Model{Model: "llama3.1", Provider: provider.Ollama}
	s.SetLastModel(tm)
	text, image := s.LastModels(provider.Ollama)
	assert.Equal(t, tm, text)
	assert.Equal(t, provider.DefaultImageModel(), image)
}

func TestConnection(t *testing.T) {
	a := Defaults()
	b := a.Clone()
	assert.Equal(t, a.Connection(), b.Connection())

	b.Ollama.LastImageModel = provider.Model{Model: "llava:13b"}
	b.Prompt = "other"
	assert.Equal(t, a.Connection(), b.Connection())

	b.Ollama.Token = "t"
	assert.NotEqual(t, a.Connection(), b.Connection())

	b = a.Clone()
	b.Provider = provider.Gemini
	assert.NotEqual(t, a.Connection(), b.Connection())
}
