// Package gemini implements the provider for the Google Gemini API.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/vault"
)

type gemini struct {
	mu       sync.Mutex
	settings config.GeminiSettings
	client   *genai.Client
	err      error

	limiter *rate.Limiter
	deps    provider.Deps
	log     log.Interface
}

var _ provider.Provider = &gemini{}

// Init returns a Gemini provider. Without an API key every request fails
// with provider.ErrNotReady.
func Init(settings config.GeminiSettings, deps provider.Deps) *gemini {
	deps = deps.WithDefaults()
	if settings.LastModel.IsZero() {
		settings.LastModel = provider.DefaultGeminiTextModel
	}
	if settings.LastImageModel.IsZero() {
		settings.LastImageModel = provider.DefaultGeminiImageModel
	}

	g := &gemini{
		settings: settings,
		deps:     deps,
		log:      deps.Log.WithField("provider", provider.Gemini),
	}
	if rpm := settings.RequestsPerMinute; rpm > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	g.restartSession()
	return g
}

func (g *gemini) ID() provider.ID { return provider.Gemini }

// restartSession builds a new API client from the current credentials.
func (g *gemini) restartSession() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.client, g.err = nil, nil
	if g.settings.APIKey == "" {
		g.err = fmt.Errorf("%w: no gemini api key", provider.ErrNotReady)
		return
	}

	cc := &genai.ClientConfig{
		APIKey:     g.settings.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.deps.HTTPClient,
	}
	if ep := g.settings.Endpoint; ep != "" {
		if !strings.HasSuffix(ep, "/") {
			ep += "/"
		}
		cc.HTTPOptions.BaseURL = ep
	}
	g.client, g.err = genai.NewClient(context.Background(), cc)
}

func (g *gemini) session() (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client, g.err
}

// Check lists the models supporting generateContent. Each one is offered
// both as an image and a text model.
func (g *gemini) Check(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			g.log.WithError(err).Warn("gemini check failed")
			g.deps.Notifier.Notify("Error connecting to gemini API. Please check your gemini API key.")
			g.deps.Notifier.Notify(err.Error())
		}
	}()

	client, err := g.session()
	if err != nil {
		return err
	}

	start := time.Now()
	var found []provider.Model
	for m, lerr := range client.Models.All(ctx) {
		if lerr != nil {
			err = lerr
			break
		}
		if !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = "unknown"
		}
		found = append(found,
			provider.Model{Name: name, Model: m.Name, ImageReady: true, Provider: provider.Gemini},
			provider.Model{Name: name, Model: m.Name, ImageReady: false, Provider: provider.Gemini},
		)
	}
	metrics.RecordProviderRequest(string(provider.Gemini), "list", err, time.Since(start))
	if err != nil {
		return g.wrap("list", err)
	}

	if added := g.deps.Registry.Merge(found...); added > 0 {
		g.log.WithField("added", added).Debug("models updated")
	}
	return nil
}

func (g *gemini) Query(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, g.LastModel().Model, genai.NewPartFromText(prompt))
}

func (g *gemini) QueryWithImage(ctx context.Context, prompt, imageB64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	return g.generate(ctx, g.LastImageModel().Model,
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(data, vault.SniffMimeType(imageB64)),
	)
}

func (g *gemini) generate(ctx context.Context, model string, parts ...*genai.Part) (text string, err error) {
	client, err := g.session()
	if err != nil {
		return "", err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	start := time.Now()
	defer func() { metrics.RecordProviderRequest(string(provider.Gemini), "generate", err, time.Since(start)) }()

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", g.wrap("generate", err)
	}

	return responseText(resp)
}

// responseText returns the text of the first candidate. A response without
// text is an error carrying the reason the model gave.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if text := strings.TrimSpace(resp.Text()); text != "" {
		return text, nil
	}

	var reason string
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		reason = "blocked: " + string(pf.BlockReason)
	}
	if len(resp.Candidates) > 0 && reason == "" {
		if fr := resp.Candidates[0].FinishReason; fr != "" {
			reason = "finish reason " + string(fr)
		}
	}

	if reason == "" {
		return "", fmt.Errorf("%w: no response from gemini api", provider.ErrEmptyResponse)
	}
	return "", fmt.Errorf("%w: %s", provider.ErrEmptyResponse, reason)
}

// apiStatus digs the HTTP status out of an error returned by the client.
func apiStatus(err error) (int, bool) {
	var ae genai.APIError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	var pae *genai.APIError
	if errors.As(err, &pae) && pae != nil {
		return pae.Code, true
	}
	return 0, false
}

func (g *gemini) wrap(op string, err error) error {
	te := &provider.TransportError{Provider: provider.Gemini, Op: op, Err: err}
	if code, ok := apiStatus(err); ok {
		te.StatusCode = code
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%w: %w", provider.ErrNotReady, te)
		}
	}
	return te
}

func (g *gemini) SetLastModel(m provider.Model) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings.LastModel = m
}

func (g *gemini) SetLastImageModel(m provider.Model) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings.LastImageModel = m
}

func (g *gemini) LastModel() provider.Model {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings.LastModel
}

func (g *gemini) LastImageModel() provider.Model {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings.LastImageModel
}

// Shutdown drops the API client. The generated client holds no resources
// beyond its http.Client.
func (g *gemini) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.client = nil
	g.err = fmt.Errorf("%w: gemini provider shut down", provider.ErrNotReady)
}
