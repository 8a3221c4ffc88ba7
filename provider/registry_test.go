package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultModels(t *testing.T) {
	models := DefaultModels()
	require.Len(t, models, 16)

	for _, m := range models {
		assert.Equal(t, Ollama, m.Provider)
	}
	assert.Equal(t, "llava-llama3:latest", DefaultImageModel().Model)
	assert.True(t, DefaultImageModel().ImageReady)
	assert.Equal(t, "llama3.2", DefaultTextModel().Model)
	assert.False(t, DefaultTextModel().ImageReady)
}

func TestRegistryMergeDedupes(t *testing.T) {
	r := NewRegistry(DefaultModels()...)
	before := len(r.Models())

	added := r.Merge(
		Model{Name: "llava dup", Model: "llava:13b", ImageReady: true, Provider: Ollama},
		// Same id, different capability is a distinct entry
		Model{Name: "llava text", Model: "llava:13b", ImageReady: false, Provider: Ollama},
		// Same id, different provider is a distinct entry
		Model{Name: "llava elsewhere", Model: "llava:13b", ImageReady: true, Provider: OpenAI},
		Model{Name: "no id"},
	)
	assert.Equal(t, 2, added)
	assert.Len(t, r.Models(), before+2)

	// Merging the same list again changes nothing
	assert.Equal(t, 0, r.Merge(r.Models()...))
}

func TestRegistryKeepsOrder(t *testing.T) {
	r := NewRegistry()
	for i := range 5 {
		r.Merge(Model{Model: fmt.Sprintf("m%d", i), Provider: Gemini})
	}

	models := r.Models()
	for i, m := range models {
		if expected, actual := fmt.Sprintf("m%d", i), m.Model; expected != actual {
			t.Errorf("Expected %s at %d, got %s", expected, i, actual)
		}
	}
}

func TestRegistryFor(t *testing.T) {
	r := NewRegistry(DefaultModels()...)
	r.Merge(
		Model{Model: "models/gemini-2.0-flash", ImageReady: true, Provider: Gemini},
		Model{Model: "models/gemini-2.0-flash", ImageReady: false, Provider: Gemini},
	)

	assert.Len(t, r.For(Ollama, true), 9)
	assert.Len(t, r.For(Ollama, false), 7)
	assert.Len(t, r.For(Gemini, true), 1)

	m, ok := r.Find(Gemini, "models/gemini-2.0-flash", false)
	require.True(t, ok)
	assert.False(t, m.ImageReady)

	_, ok = r.Find(Gemini, "models/other", true)
	assert.False(t, ok)
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()

	var calls [][]Model
	unsubscribe := r.Subscribe(func(models []Model) {
		calls = append(calls, models)
	})

	r.Merge(Model{Model: "a", Provider: Ollama})
	r.Merge(Model{Model: "a", Provider: Ollama}) // no growth, no notification
	r.Merge(Model{Model: "b", Provider: Ollama})
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 2)

	unsubscribe()
	r.Merge(Model{Model: "c", Provider: Ollama})
	assert.Len(t, calls, 2)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("analyzing: %w", &TransportError{Provider: Ollama, Op: "chat", Err: cause})

	assert.True(t, IsTransport(err))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsTransport(ErrEmptyResponse))
	assert.Equal(t, "ollama chat: status 502: bad gateway",
		(&TransportError{Provider: Ollama, Op: "chat", StatusCode: 502, Err: errors.New("bad gateway")}).Error())
}

func TestIDValid(t *testing.T) {
	assert.True(t, Ollama.Valid())
	assert.True(t, Gemini.Valid())
	assert.False(t, ID("testing").Valid())
}
