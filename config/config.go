// Package config holds the analyzer settings. Settings are stored as a JSON
// document inside the vault and can be overridden from a TOML or JSON file
// and from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/vault"
)

// DefaultPrompt asks for search friendly keywords.
const DefaultPrompt = "Describe the image. Just use Keywords. For example: cat, dog, tree. This must be Computer readable. The provided pictures are used in an notebook. Please provide at least 5 Keywords. It will be used to search for the image later."

const DefaultOllamaURL = "http://127.0.0.1:11434"

// PluginDir is the settings location relative to the vault config dir.
const PluginDir = "plugins/ai-image-analyzer"

type OllamaSettings struct {
	URL            string         `json:"url" toml:"url"`
	FallbackURL    string         `json:"fallbackUrl" toml:"fallback_url"`
	Token          string         `json:"token" toml:"token"`
	LastModel      provider.Model `json:"lastModel" toml:"last_model"`
	LastImageModel provider.Model `json:"lastImageModel" toml:"last_image_model"`
}

type GeminiSettings struct {
	APIKey            string         `json:"apiKey" toml:"api_key"`
	Endpoint          string         `json:"endpoint,omitempty" toml:"endpoint"`
	RequestsPerMinute int            `json:"requestsPerMinute" toml:"requests_per_minute"`
	LastModel         provider.Model `json:"lastModel" toml:"last_model"`
	LastImageModel    provider.Model `json:"lastImageModel" toml:"last_image_model"`
}

type OpenAISettings struct {
	APIKey            string         `json:"apiKey" toml:"api_key"`
	BaseURL           string         `json:"baseUrl,omitempty" toml:"base_url"`
	RequestsPerMinute int            `json:"requestsPerMinute" toml:"requests_per_minute"`
	LastModel         provider.Model `json:"lastModel" toml:"last_model"`
	LastImageModel    provider.Model `json:"lastImageModel" toml:"last_image_model"`
}

type LlamaCppSettings struct {
	URL            string         `json:"url" toml:"url"`
	Seed           int            `json:"seed" toml:"seed"`
	LastModel      provider.Model `json:"lastModel" toml:"last_model"`
	LastImageModel provider.Model `json:"lastImageModel" toml:"last_image_model"`
}

type Settings struct {
	Debug              bool           `json:"debug" toml:"debug"`
	Provider           provider.ID    `json:"provider" toml:"provider"`
	Prompt             string         `json:"prompt" toml:"prompt"`
	AutoClearCache     bool           `json:"autoClearCache" toml:"auto_clear_cache"`
	SelectedModel      provider.Model `json:"selectedModel" toml:"selected_model"`
	SelectedImageModel provider.Model `json:"selectedImageModel" toml:"selected_image_model"`

	Ollama   OllamaSettings   `json:"ollamaSettings" toml:"ollama"`
	Gemini   GeminiSettings   `json:"geminiSettings" toml:"gemini"`
	OpenAI   OpenAISettings   `json:"openaiSettings" toml:"openai"`
	LlamaCpp LlamaCppSettings `json:"llamacppSettings" toml:"llamacpp"`
}

// Defaults returns the settings of a fresh install.
func Defaults() *Settings {
	return &Settings{
		Provider:           provider.Ollama,
		Prompt:             DefaultPrompt,
		AutoClearCache:     true,
		SelectedModel:      provider.DefaultTextModel(),
		SelectedImageModel: provider.DefaultImageModel(),
		Ollama: OllamaSettings{
			URL:            DefaultOllamaURL,
			LastModel:      provider.DefaultTextModel(),
			LastImageModel: provider.DefaultImageModel(),
		},
		Gemini: GeminiSettings{
			RequestsPerMinute: 15,
			LastModel:         provider.DefaultGeminiTextModel,
			LastImageModel:    provider.DefaultGeminiImageModel,
		},
		OpenAI: OpenAISettings{
			RequestsPerMinute: 20,
			LastModel:         provider.DefaultOpenAITextModel,
			LastImageModel:    provider.DefaultOpenAIImageModel,
		},
		LlamaCpp: LlamaCppSettings{
			Seed: 385480504,
		},
	}
}

// Clone returns a deep copy. Settings contain no reference types so a value
// copy suffices.
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// Validate checks and normalizes s.
func (s *Settings) Validate() error {
	if s.Provider == "" {
		s.Provider = provider.Ollama
	}
	if !s.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	if strings.TrimSpace(s.Prompt) == "" {
		s.Prompt = DefaultPrompt
	}
	if s.Ollama.URL == "" {
		s.Ollama.URL = DefaultOllamaURL
	}
	if s.Gemini.RequestsPerMinute < 0 || s.OpenAI.RequestsPerMinute < 0 {
		return fmt.Errorf("requestsPerMinute must not be negative")
	}
	return nil
}

// Store persists Settings as data.json in the plugin directory.
type Store struct {
	mu   sync.Mutex
	fs   vault.FS
	file string
}

func NewStore(fs vault.FS, configDir string) *Store {
	return &Store{fs: fs, file: path.Join(configDir, PluginDir, "data.json")}
}

func (st *Store) Path() string { return st.file }

// Load returns the stored settings layered over Defaults. A missing file
// yields the defaults.
func (st *Store) Load() (*Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := Defaults()
	ok, err := st.fs.Exists(st.file)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s, nil
	}

	data, err := st.fs.ReadText(st.file)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", st.file, err)
	}
	return s, s.Validate()
}

func (st *Store) Save(s *Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := st.fs.Mkdir(path.Dir(st.file)); err != nil {
		return err
	}
	return st.fs.WriteText(st.file, string(data))
}

// LoadFile applies the settings found in a TOML or JSON file on top of s.
// The format is picked by extension, anything but .json is read as TOML.
func LoadFile(s *Settings, file string) error {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parsing %s: %w", file, err)
		}
	default:
		if _, err := toml.DecodeFile(file, s); err != nil {
			return fmt.Errorf("parsing %s: %w", file, err)
		}
	}
	return s.Validate()
}

// ApplyEnv overrides credentials and endpoints from the environment.
func (s *Settings) ApplyEnv() {
	if v := os.Getenv("IMGANALYZER_PROVIDER"); v != "" {
		s.Provider = provider.ID(v)
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		s.Ollama.URL = v
	}
	if v := os.Getenv("OLLAMA_TOKEN"); v != "" {
		s.Ollama.Token = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		s.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		s.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		s.OpenAI.BaseURL = v
	}
}

// LastModels returns the models last selected on provider id.
func (s *Settings) LastModels(id provider.ID) (text, image provider.Model) {
	switch id {
	case provider.Ollama:
		return s.Ollama.LastModel, s.Ollama.LastImageModel
	case provider.Gemini:
		return s.Gemini.LastModel, s.Gemini.LastImageModel
	case provider.OpenAI:
		return s.OpenAI.LastModel, s.OpenAI.LastImageModel
	case provider.LlamaCpp:
		return s.LlamaCpp.LastModel, s.LlamaCpp.LastImageModel
	}
	return provider.Model{}, provider.Model{}
}

// SetLastModel records m as the last text or image model of its provider.
func (s *Settings) SetLastModel(m provider.Model) {
	var text, image *provider.Model
	switch m.Provider {
	case provider.Ollama:
		text, image = &s.Ollama.LastModel, &s.Ollama.LastImageModel
	case provider.Gemini:
		text, image = &s.Gemini.LastModel, &s.Gemini.LastImageModel
	case provider.OpenAI:
		text, image = &s.OpenAI.LastModel, &s.OpenAI.LastImageModel
	case provider.LlamaCpp:
		text, image = &s.LlamaCpp.LastModel, &s.LlamaCpp.LastImageModel
	default:
		return
	}
	if m.ImageReady {
		*image = m
	} else {
		*text = m
	}
}

// Connection identifies the endpoint and credentials of the active
// provider. The provider is rebuilt whenever it changes.
func (s *Settings) Connection() string {
	switch s.Provider {
	case provider.Ollama:
		return fmt.Sprintf("ollama|%s|%s|%s", s.Ollama.URL, s.Ollama.FallbackURL, s.Ollama.Token)
	case provider.Gemini:
		return fmt.Sprintf("gemini|%s|%s|%d", s.Gemini.APIKey, s.Gemini.Endpoint, s.Gemini.RequestsPerMinute)
	case provider.OpenAI:
		return fmt.Sprintf("openai|%s|%s|%d", s.OpenAI.APIKey, s.OpenAI.BaseURL, s.OpenAI.RequestsPerMinute)
	case provider.LlamaCpp:
		return fmt.Sprintf("llamacpp|%s|%d", s.LlamaCpp.URL, s.LlamaCpp.Seed)
	}
	return string(s.Provider)
}
