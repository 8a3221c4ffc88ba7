package openai

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/notify"
	"github.com/chriskillpack/imganalyzer/provider"
)

type fakeServer struct {
	mu      sync.Mutex
	content string
	status  int
	lastReq map[string]any
	auth    string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "llava-1.6", "object": "model", "created": 0, "owned_by": "local"},
			},
		})
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&f.lastReq)
		w.Header().Set("Content-Type", "application/json")
		if f.status != 0 {
			w.WriteHeader(f.status)
			w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   f.lastReq["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": f.content},
			}},
		})
	})
	return mux
}

func newTestProvider(t *testing.T, fs *fakeServer) (*openai, provider.Deps) {
	t.Helper()

	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	deps := provider.Deps{
		Registry: provider.NewRegistry(),
		Notifier: notify.Discard,
		Log:      &log.Logger{Handler: discard.New(), Level: log.DebugLevel},
	}
	return Init(config.OpenAISettings{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, deps), deps
}

func TestCheck(t *testing.T) {
	o, deps := newTestProvider(t, &fakeServer{})

	require.NoError(t, o.Check(t.Context()))
	_, ok := deps.Registry.Find(provider.OpenAI, "llava-1.6", true)
	assert.True(t, ok)
	_, ok = deps.Registry.Find(provider.OpenAI, "llava-1.6", false)
	assert.True(t, ok)
}

func TestQueryWithImage(t *testing.T) {
	fs := &fakeServer{content: " cat, dog \n"}
	o, _ := newTestProvider(t, fs)
	o.SetLastImageModel(provider.Model{Model: "llava-1.6", ImageReady: true, Provider: provider.OpenAI})

	img := base64.StdEncoding.EncodeToString([]byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"))
	text, err := o.QueryWithImage(t.Context(), "describe", img)
	require.NoError(t, err)
	assert.Equal(t, "cat, dog", text)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "Bearer sk-test", fs.auth)
	assert.Equal(t, "llava-1.6", fs.lastReq["model"])

	msgs := fs.lastReq["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	imagePart := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "data:image/jpeg;base64,"+img, imagePart["url"])
}

func TestEmptyContent(t *testing.T) {
	o, _ := newTestProvider(t, &fakeServer{content: ""})

	_, err := o.Query(t.Context(), "hello")
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
}

func TestServerError(t *testing.T) {
	o, _ := newTestProvider(t, &fakeServer{status: http.StatusBadRequest})

	_, err := o.Query(t.Context(), "hello")
	var te *provider.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
}

func TestNotConfigured(t *testing.T) {
	o := Init(config.OpenAISettings{}, provider.Deps{})

	_, err := o.Query(t.Context(), "hello")
	assert.ErrorIs(t, err, provider.ErrNotReady)
	assert.ErrorIs(t, o.Check(t.Context()), provider.ErrNotReady)
	o.Shutdown()
}
