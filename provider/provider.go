// Package provider defines the model backends images are sent to and the
// registry of models they offer.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/apex/log"

	"github.com/chriskillpack/imganalyzer/notify"
)

type ID string

const (
	Ollama   ID = "ollama"
	Gemini   ID = "gemini"
	OpenAI   ID = "openai"
	LlamaCpp ID = "llamacpp"
)

// Known lists every provider id in display order.
var Known = []ID{Ollama, Gemini, OpenAI, LlamaCpp}

func (id ID) Valid() bool {
	for _, k := range Known {
		if k == id {
			return true
		}
	}
	return false
}

// Provider sends prompts to a model backend. Queries use the model last
// selected on the provider.
type Provider interface {
	ID() ID
	// Check queries the backend and merges the models it offers into the
	// registry. A failing check is reported but does not disable the
	// provider.
	Check(ctx context.Context) error
	Query(ctx context.Context, prompt string) (string, error)
	// QueryWithImage sends prompt together with a base64 encoded image.
	QueryWithImage(ctx context.Context, prompt, imageB64 string) (string, error)
	SetLastModel(m Model)
	SetLastImageModel(m Model)
	LastModel() Model
	LastImageModel() Model
	// Shutdown releases connections and aborts in-flight requests. It may be
	// called more than once.
	Shutdown()
}

// Reconnector is implemented by providers that can rebuild their connection
// after a transport failure, possibly switching to a fallback endpoint.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Aborter is implemented by providers that can abort the request they are
// currently running.
type Aborter interface {
	AbortCurrentRequest()
}

type PullProgress struct {
	Status    string
	Completed int64
	Total     int64
}

// Puller is implemented by providers that can download a model onto the
// backend.
type Puller interface {
	Pull(ctx context.Context, model string, progress func(PullProgress)) error
}

var (
	// ErrNotReady means the provider lacks the configuration to send
	// requests, e.g. a missing API key.
	ErrNotReady = errors.New("provider not ready")
	// ErrEmptyResponse means the backend answered without any text.
	ErrEmptyResponse = errors.New("empty response from model")
)

// TransportError is a failure talking to the backend: connection errors and
// non-2xx responses.
type TransportError struct {
	Provider   ID
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Deps are the collaborators shared by every provider.
type Deps struct {
	Registry   *Registry
	Notifier   notify.Notifier
	Log        log.Interface
	HTTPClient *http.Client
}

// WithDefaults fills unset fields.
func (d Deps) WithDefaults() Deps {
	if d.Registry == nil {
		d.Registry = NewRegistry(DefaultModels()...)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard
	}
	if d.Log == nil {
		d.Log = log.Log
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return d
}
