// Package openai implements the provider for OpenAI and OpenAI compatible
// chat completion servers.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/vault"
)

type openai struct {
	mu       sync.Mutex
	settings config.OpenAISettings
	oac      *oagc.Client

	rl   *rateLimiter // For requests to the API
	deps provider.Deps
	log  log.Interface
}

var _ provider.Provider = &openai{}

func Init(settings config.OpenAISettings, deps provider.Deps) *openai {
	deps = deps.WithDefaults()
	if settings.LastModel.IsZero() {
		settings.LastModel = provider.DefaultOpenAITextModel
	}
	if settings.LastImageModel.IsZero() {
		settings.LastImageModel = provider.DefaultOpenAIImageModel
	}

	o := &openai{
		settings: settings,
		deps:     deps,
		log:      deps.Log.WithField("provider", provider.OpenAI),
	}
	if settings.RequestsPerMinute > 0 {
		o.rl = newRateLimiter(settings.RequestsPerMinute, time.Minute)
	}

	// A compatible server (vLLM, LM Studio) may not need a key
	if settings.APIKey != "" || settings.BaseURL != "" {
		opts := []option.RequestOption{
			option.WithHTTPClient(deps.HTTPClient),
			option.WithMaxRetries(0),
		}
		key := settings.APIKey
		if key == "" {
			key = "unused"
		}
		opts = append(opts, option.WithAPIKey(key))
		if settings.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(strings.TrimRight(settings.BaseURL, "/")+"/"))
		}
		o.oac = oagc.NewClient(opts...)
	}

	return o
}

func (o *openai) ID() provider.ID { return provider.OpenAI }

func (o *openai) client() (*oagc.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.oac == nil {
		return nil, fmt.Errorf("%w: no openai api key or base url", provider.ErrNotReady)
	}
	return o.oac, nil
}

// Check lists the server's models. The API does not report capabilities, so
// every model is offered for both text and images.
func (o *openai) Check(ctx context.Context) error {
	oac, err := o.client()
	if err != nil {
		o.deps.Notifier.Notify("OpenAI provider is not configured, set an API key or base URL.")
		return err
	}

	start := time.Now()
	page, err := oac.Models.List(ctx)
	metrics.RecordProviderRequest(string(provider.OpenAI), "list", err, time.Since(start))
	if err != nil {
		err = o.wrap("list", err)
		o.log.WithError(err).Warn("openai check failed")
		o.deps.Notifier.Notify("Error connecting to the OpenAI API.")
		o.deps.Notifier.Notify(err.Error())
		return err
	}

	var found []provider.Model
	for _, m := range page.Data {
		found = append(found,
			provider.Model{Name: m.ID, Model: m.ID, ImageReady: true, Provider: provider.OpenAI},
			provider.Model{Name: m.ID, Model: m.ID, Provider: provider.OpenAI},
		)
	}
	if added := o.deps.Registry.Merge(found...); added > 0 {
		o.log.WithField("added", added).Debug("models updated")
	}
	return nil
}

func (o *openai) Query(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, o.LastModel().Model, oagc.UserMessage(prompt))
}

func (o *openai) QueryWithImage(ctx context.Context, prompt, imageB64 string) (string, error) {
	dataURL := "data:" + vault.SniffMimeType(imageB64) + ";base64," + imageB64
	return o.complete(ctx, o.LastImageModel().Model,
		oagc.UserMessageParts(oagc.TextPart(prompt), oagc.ImagePart(dataURL)))
}

func (o *openai) complete(ctx context.Context, model string, msg oagc.ChatCompletionMessageParamUnion) (text string, err error) {
	oac, err := o.client()
	if err != nil {
		return "", err
	}

	// Rate limit use of the API
	if o.rl != nil {
		if err := o.rl.Acquire(ctx); err != nil {
			return "", err
		}
	}

	start := time.Now()
	defer func() { metrics.RecordProviderRequest(string(provider.OpenAI), "chat", err, time.Since(start)) }()

	resp, err := oac.Chat.Completions.New(ctx, oagc.ChatCompletionNewParams{
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{msg}),
		Model:    oagc.F(oagc.ChatModel(model)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", o.wrap("chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", provider.ErrEmptyResponse
	}

	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: finish reason %s", provider.ErrEmptyResponse, resp.Choices[0].FinishReason)
	}
	return text, nil
}

func (o *openai) wrap(op string, err error) error {
	te := &provider.TransportError{Provider: provider.OpenAI, Op: op, Err: err}
	var apierr *oagc.Error
	if errors.As(err, &apierr) {
		te.StatusCode = apierr.StatusCode
	}
	return te
}

func (o *openai) SetLastModel(m provider.Model) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.LastModel = m
}

func (o *openai) SetLastImageModel(m provider.Model) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.LastImageModel = m
}

func (o *openai) LastModel() provider.Model {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.LastModel
}

func (o *openai) LastImageModel() provider.Model {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.LastImageModel
}

func (o *openai) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.oac = nil
}
