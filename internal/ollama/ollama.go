// Package ollama implements the provider for a local or self hosted Ollama
// server.
package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/ollama/ollama/api"

	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/provider"
)

type ollama struct {
	mu       sync.Mutex
	settings config.OllamaSettings
	fallback bool // using settings.FallbackURL
	c        *conn
	ready    bool
	closed   bool

	abort abortSlot
	deps  provider.Deps
	log   log.Interface
}

var (
	_ provider.Provider    = &ollama{}
	_ provider.Reconnector = &ollama{}
	_ provider.Puller      = &ollama{}
	_ provider.Aborter     = &ollama{}
)

// Init returns an Ollama provider. No request is made until Check or a
// query is issued.
func Init(settings config.OllamaSettings, deps provider.Deps) *ollama {
	deps = deps.WithDefaults()
	if settings.URL == "" {
		settings.URL = config.DefaultOllamaURL
	}
	if settings.LastModel.IsZero() {
		settings.LastModel = provider.DefaultTextModel()
	}
	if settings.LastImageModel.IsZero() {
		settings.LastImageModel = provider.DefaultImageModel()
	}

	o := &ollama{
		settings: settings,
		deps:     deps,
		log:      deps.Log.WithField("provider", provider.Ollama),
	}
	o.refresh()
	return o
}

func (o *ollama) ID() provider.ID { return provider.Ollama }

// refresh aborts the tracked request and rebuilds the connection.
func (o *ollama) refresh() {
	o.abort.abort()

	o.mu.Lock()
	defer o.mu.Unlock()

	url := o.settings.URL
	if o.fallback {
		url = o.settings.FallbackURL
	}
	o.c = newConn(url, o.settings.Token, o.deps.HTTPClient)
	o.log.WithField("url", url).WithField("fallback", o.fallback).Debug("refreshed connection")
}

func (o *ollama) conn() *conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.c
}

// BaseURL returns the endpoint currently in use.
func (o *ollama) BaseURL() string { return o.conn().baseURL }

// switchToFallback moves to the fallback endpoint once. It reports whether
// a switch happened.
func (o *ollama) switchToFallback() bool {
	o.mu.Lock()
	if o.fallback || o.settings.FallbackURL == "" {
		o.mu.Unlock()
		return false
	}
	o.fallback = true
	o.mu.Unlock()

	o.log.Info("falling back to fallback url")
	o.refresh()
	return true
}

// Check lists the installed models and merges them into the registry. On
// failure the fallback endpoint is tried once.
func (o *ollama) Check(ctx context.Context) error {
	err := o.listModels(ctx)
	if err != nil && ctx.Err() == nil && o.switchToFallback() {
		err = o.listModels(ctx)
	}

	o.mu.Lock()
	o.ready = err == nil
	o.mu.Unlock()

	if err != nil {
		o.log.WithError(err).Warn("ollama check failed")
		o.deps.Notifier.Notify("Error connecting to ollama.")
		o.deps.Notifier.Notify(err.Error())
		return err
	}
	return nil
}

// Ready reports whether the last Check succeeded.
func (o *ollama) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

func (o *ollama) listModels(ctx context.Context) error {
	var tags *api.ListResponse
	err := o.call(ctx, "tags", func(ctx context.Context, c *api.Client) (err error) {
		tags, err = c.List(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var (
		found     []provider.Model
		installed = make(map[string]bool)
	)
	for _, lm := range tags.Models {
		installed[lm.Name] = true

		var show *api.ShowResponse
		err := o.call(ctx, "show", func(ctx context.Context, c *api.Client) (err error) {
			show, err = c.Show(ctx, &api.ShowRequest{Model: lm.Name})
			return err
		})
		if err != nil {
			return err
		}

		name := displayName(lm)
		if slices.Contains(show.Capabilities, "completion") {
			found = append(found, provider.Model{Name: name, Model: lm.Name, Provider: provider.Ollama})
		}
		if slices.Contains(show.Capabilities, "vision") {
			found = append(found, provider.Model{Name: name, Model: lm.Name, ImageReady: true, Provider: provider.Ollama})
		}
	}

	if added := o.deps.Registry.Merge(found...); added > 0 {
		o.log.WithField("added", added).Debug("models updated")
	}

	if text := o.LastModel(); !installed[text.Model] {
		o.log.WithField("model", text.Model).Debug("text model not installed")
	}
	if img := o.LastImageModel(); !installed[img.Model] {
		o.deps.Notifier.Notify(fmt.Sprintf(
			"No %s model found, please make sure you have pulled it (you can pull it with the pull command or choose another model)",
			img.Name))
	}
	return nil
}

// displayName renders the name of a discovered model, e.g.
// "qwen2.5vl [7.6B] (custom)".
func displayName(lm api.ListModelResponse) string {
	base, _, _ := strings.Cut(lm.Name, ":")
	return base + " [" + lm.Details.ParameterSize + "] (custom)"
}

func (o *ollama) chat(ctx context.Context, model string, msg api.Message) (string, error) {
	stream := false
	req := &api.ChatRequest{Model: model, Messages: []api.Message{msg}, Stream: &stream}

	var sb strings.Builder
	err := o.call(ctx, "chat", func(ctx context.Context, c *api.Client) error {
		return c.Chat(ctx, req, func(resp api.ChatResponse) error {
			sb.WriteString(resp.Message.Content)
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

func (o *ollama) Query(ctx context.Context, prompt string) (string, error) {
	return o.chat(ctx, o.LastModel().Model, api.Message{Role: "user", Content: prompt})
}

func (o *ollama) QueryWithImage(ctx context.Context, prompt, imageB64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	return o.chat(ctx, o.LastImageModel().Model, api.Message{
		Role:    "user",
		Content: prompt,
		Images:  []api.ImageData{data},
	})
}

// Pull downloads model onto the server, reporting progress as the server
// streams it.
func (o *ollama) Pull(ctx context.Context, model string, progress func(provider.PullProgress)) error {
	ll := o.log.WithField("model", model)
	ll.Info("pulling model")

	stream := true
	var last string
	err := o.call(ctx, "pull", func(ctx context.Context, c *api.Client) error {
		return c.Pull(ctx, &api.PullRequest{Model: model, Stream: &stream}, func(pr api.ProgressResponse) error {
			last = pr.Status
			if progress != nil {
				progress(provider.PullProgress{Status: pr.Status, Completed: pr.Completed, Total: pr.Total})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if last != "success" {
		return &provider.TransportError{Provider: provider.Ollama, Op: "pull", Err: fmt.Errorf("stream ended with status %q", last)}
	}

	ll.Info("model pulled")
	return nil
}

func (o *ollama) SetLastModel(m provider.Model) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.LastModel = m
}

func (o *ollama) SetLastImageModel(m provider.Model) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.LastImageModel = m
}

func (o *ollama) LastModel() provider.Model {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.LastModel
}

func (o *ollama) LastImageModel() provider.Model {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.LastImageModel
}

func (o *ollama) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.log.Debug("shutting down")
	o.abort.abort()
	o.deps.HTTPClient.CloseIdleConnections()
}
