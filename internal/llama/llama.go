// Package llama implements the provider for a llama.cpp server with a
// multimodal model loaded.
package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/provider"
)

const (
	promptPreamble = `This is a conversation between User and Llama, a friendly chatbot. Llama is helpful, kind, honest, good at writing, and never fails to answer any requests immediately and with precision.

User:`
	promptSuffix = `
Llama:`

	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.
USER:`
	imageSuffix = `
ASSISTANT:`

	imageID = 10
)

// The server serves whatever weights it was started with, so the provider
// offers a single model of each kind.
var (
	ImageModel = provider.Model{Name: "llama.cpp (loaded model)", Model: "loaded", ImageReady: true, Provider: provider.LlamaCpp}
	TextModel  = provider.Model{Name: "llama.cpp (loaded model)", Model: "loaded", Provider: provider.LlamaCpp}
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_predict":         400,
	"n_probs":           0,
	"temperature":       0.7,
	"stop":              []string{"</s>", "Llama:", "User:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	mu       sync.Mutex
	settings config.LlamaCppSettings

	client *http.Client
	deps   provider.Deps
	log    log.Interface
}

var _ provider.Provider = &llama{}

func Init(settings config.LlamaCppSettings, deps provider.Deps) *llama {
	deps = deps.WithDefaults()
	if settings.LastModel.IsZero() {
		settings.LastModel = TextModel
	}
	if settings.LastImageModel.IsZero() {
		settings.LastImageModel = ImageModel
	}
	return &llama{
		settings: settings,
		client:   deps.HTTPClient,
		deps:     deps,
		log:      deps.Log.WithField("provider", provider.LlamaCpp),
	}
}

func (l *llama) ID() provider.ID { return provider.LlamaCpp }

func (l *llama) srvAddr() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settings.URL == "" {
		return "", fmt.Errorf("%w: no llama.cpp server address", provider.ErrNotReady)
	}
	return strings.TrimRight(l.settings.URL, "/"), nil
}

// Check asks the server's health endpoint and registers the loaded model.
func (l *llama) Check(ctx context.Context) error {
	addr, err := l.srvAddr()
	if err != nil {
		l.deps.Notifier.Notify("llama.cpp server address is not set.")
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		err = &provider.TransportError{Provider: provider.LlamaCpp, Op: "health", Err: err}
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = &provider.TransportError{Provider: provider.LlamaCpp, Op: "health", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", resp.Status)}
		}
	}
	if err != nil {
		l.log.WithError(err).Warn("llama.cpp check failed")
		l.deps.Notifier.Notify("Error connecting to llama.cpp server.")
		return err
	}

	l.deps.Registry.Merge(ImageModel, TextModel)
	return nil
}

func (l *llama) Query(ctx context.Context, prompt string) (string, error) {
	return l.sendRequest(ctx, "completion", queryPrompt(prompt), false, jsonmap{})
}

func (l *llama) QueryWithImage(ctx context.Context, prompt, imageB64 string) (string, error) {
	return l.sendRequest(ctx, "completion", imagePrompt(prompt), false, jsonmap{
		"image_data": []jsonmap{
			{
				"data": imageB64, "id": imageID,
			},
		},
	})
}

// Use this with a text prompt
func queryPrompt(prompt string) string {
	return promptPreamble + prompt + promptSuffix
}

// The image is referenced from the prompt by its id
func imagePrompt(prompt string) string {
	return fmt.Sprintf("%s[img-%d]%s%s", imagePreamble, imageID, prompt, imageSuffix)
}

func (l *llama) sendRequest(ctx context.Context, op, prompt string, stream bool, keys jsonmap) (text string, err error) {
	addr, err := l.srvAddr()
	if err != nil {
		return "", err
	}

	start := time.Now()
	defer func() { metrics.RecordProviderRequest(string(provider.LlamaCpp), op, err, time.Since(start)) }()

	l.mu.Lock()
	seed := l.settings.Seed
	l.mu.Unlock()

	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = seed

	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&data); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/completion", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &provider.TransportError{Provider: provider.LlamaCpp, Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &provider.TransportError{Provider: provider.LlamaCpp, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", resp.Status)}
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for !respbody.Stop {
		// Read in one line
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", &provider.TransportError{Provider: provider.LlamaCpp, Op: op, Err: err}
			}
			break
		}
		line := lr.Text()
		// The empty line appears after a JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", &provider.TransportError{Provider: provider.LlamaCpp, Op: op, Err: fmt.Errorf("missing `data: ` prefix")}
			}
		}

		if err := json.Unmarshal([]byte(line), &respbody); err != nil {
			return "", &provider.TransportError{Provider: provider.LlamaCpp, Op: op, Err: err}
		}
		content.WriteString(respbody.Content)
	}

	text = strings.TrimSpace(content.String())
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

func (l *llama) SetLastModel(m provider.Model) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings.LastModel = m
}

func (l *llama) SetLastImageModel(m provider.Model) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings.LastImageModel = m
}

func (l *llama) LastModel() provider.Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings.LastModel
}

func (l *llama) LastImageModel() provider.Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings.LastImageModel
}

func (l *llama) Shutdown() {
	l.client.CloseIdleConnections()
}
