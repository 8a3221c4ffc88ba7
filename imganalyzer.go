package imganalyzer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/chriskillpack/imganalyzer/cache"
	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/internal/gemini"
	"github.com/chriskillpack/imganalyzer/internal/llama"
	"github.com/chriskillpack/imganalyzer/internal/ollama"
	"github.com/chriskillpack/imganalyzer/internal/openai"
	"github.com/chriskillpack/imganalyzer/notify"
	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/queue"
	"github.com/chriskillpack/imganalyzer/vault"
)

// Factory builds the provider selected in s.
type Factory func(s *config.Settings, deps provider.Deps) (provider.Provider, error)

// DefaultFactory builds the real backends.
func DefaultFactory(s *config.Settings, deps provider.Deps) (provider.Provider, error) {
	switch s.Provider {
	case provider.Ollama:
		return ollama.Init(s.Ollama, deps), nil
	case provider.Gemini:
		return gemini.Init(s.Gemini, deps), nil
	case provider.OpenAI:
		return openai.Init(s.OpenAI, deps), nil
	case provider.LlamaCpp:
		return llama.Init(s.LlamaCpp, deps), nil
	}
	return nil, fmt.Errorf("unknown provider %q", s.Provider)
}

// Runtime owns the settings, the active provider and the model registry.
type Runtime struct {
	mu       sync.Mutex
	settings *config.Settings
	provider provider.Provider
	checked  chan struct{} // closed when the latest check of provider finished

	store   *config.Store // nil keeps settings in memory only
	factory Factory
	deps    provider.Deps
	cache   *cache.Store
	log     log.Interface
}

func newRuntime(ctx context.Context, s *config.Settings, store *config.Store, factory Factory, deps provider.Deps, c *cache.Store) (*Runtime, error) {
	s = s.Clone()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	restoreSelection(s)

	r := &Runtime{
		settings: s,
		store:    store,
		factory:  factory,
		deps:     deps,
		cache:    c,
		log:      deps.Log,
	}
	p, err := r.build(s)
	if err != nil {
		return nil, err
	}
	r.provider = p
	r.checked = r.startCheck(ctx, p)
	return r, nil
}

// restoreSelection replaces selected models that belong to another provider
// with the models last used on the active one.
func restoreSelection(s *config.Settings) {
	text, image := s.LastModels(s.Provider)
	if s.SelectedModel.Provider != s.Provider {
		s.SelectedModel = text
	}
	if s.SelectedImageModel.Provider != s.Provider {
		s.SelectedImageModel = image
	}
}

func (r *Runtime) build(s *config.Settings) (provider.Provider, error) {
	p, err := r.factory(s, r.deps)
	if err != nil {
		return nil, err
	}
	applySelection(p, s)
	r.log.WithField("provider", s.Provider).Debug("provider ready")
	return p, nil
}

func applySelection(p provider.Provider, s *config.Settings) {
	if !s.SelectedModel.IsZero() {
		p.SetLastModel(s.SelectedModel)
	}
	if !s.SelectedImageModel.IsZero() {
		p.SetLastImageModel(s.SelectedImageModel)
	}
}

// startCheck checks p in the background and returns a channel closed once
// it is done. Failures were already reported by the provider and leave it
// in place.
func (r *Runtime) startCheck(ctx context.Context, p provider.Provider) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Check(context.WithoutCancel(ctx)); err != nil {
			r.log.WithError(err).WithField("provider", p.ID()).Warn("provider check failed")
		}
	}()
	return done
}

// Checked returns a channel closed once the active provider finished
// probing its backend and listing its models.
func (r *Runtime) Checked() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checked
}

// Provider returns the active provider.
func (r *Runtime) Provider() provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

// Prompt returns the prompt sent along with every image.
func (r *Runtime) Prompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.Prompt
}

func (r *Runtime) Registry() *provider.Registry { return r.deps.Registry }

// Settings returns a copy of the current settings.
func (r *Runtime) Settings() *config.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.Clone()
}

// UpdateSettings applies fn to a copy of the settings and persists the
// result. The provider is rebuilt, and checked in the background, when its
// id or connection changed and the cache is cleared when analyses would now come out differently and
// AutoClearCache is on.
func (r *Runtime) UpdateSettings(ctx context.Context, fn func(s *config.Settings)) error {
	r.mu.Lock()
	prev := r.settings
	next := prev.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return err
	}

	switched := next.Provider != prev.Provider
	if switched {
		restoreSelection(next)
	}
	rebuild := switched || next.Connection() != prev.Connection()
	invalidate := next.AutoClearCache &&
		(switched || next.Prompt != prev.Prompt || next.SelectedImageModel != prev.SelectedImageModel ||
			!prev.AutoClearCache)

	var old provider.Provider
	if rebuild {
		p, err := r.build(next)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		old = r.provider
		r.provider = p
		r.checked = r.startCheck(ctx, p)
	} else {
		applySelection(r.provider, next)
	}
	r.settings = next
	r.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}

	var err error
	if r.store != nil {
		if serr := r.store.Save(next); serr != nil {
			err = fmt.Errorf("saving settings: %w", serr)
		}
	}
	if invalidate && r.cache != nil {
		if cerr := r.cache.Clear(); cerr != nil && err == nil {
			err = fmt.Errorf("clearing cache: %w", cerr)
		}
		r.log.Info("cache cleared")
	}
	return err
}

// SelectImageModel makes m the model images are sent to.
func (r *Runtime) SelectImageModel(ctx context.Context, m provider.Model) error {
	if !m.ImageReady {
		return fmt.Errorf("model %s cannot read images", m.Model)
	}
	return r.selectModel(ctx, m)
}

// SelectModel makes m the model text prompts are sent to.
func (r *Runtime) SelectModel(ctx context.Context, m provider.Model) error {
	if m.ImageReady {
		return fmt.Errorf("model %s is an image model", m.Model)
	}
	return r.selectModel(ctx, m)
}

func (r *Runtime) selectModel(ctx context.Context, m provider.Model) error {
	current := r.Settings().Provider
	if m.Provider == "" {
		m.Provider = current
	}
	if m.Provider != current {
		return fmt.Errorf("model %s belongs to %s, active provider is %s", m.Model, m.Provider, current)
	}
	return r.UpdateSettings(ctx, func(s *config.Settings) {
		if m.ImageReady {
			s.SelectedImageModel = m
		} else {
			s.SelectedModel = m
		}
		s.SetLastModel(m)
	})
}

// Close shuts the active provider down.
func (r *Runtime) Close() {
	r.mu.Lock()
	p := r.provider
	r.mu.Unlock()
	p.Shutdown()
}

type InitOptions struct {
	Vault     vault.FS
	ConfigDir string // defaults to vault.ConfigDir
	Version   string // defaults to Version

	// Settings are used as given when set, otherwise loaded from Store.
	Settings *config.Settings
	Store    *config.Store // defaults to data.json inside the vault

	Notifier   notify.Notifier
	Log        log.Interface
	HttpClient *http.Client // if nil uses http.DefaultClient
	Registry   *provider.Registry
	Factory    Factory // defaults to DefaultFactory
	DB         *DB     // optional analysis journal

	Timeout    time.Duration // per analysis, defaults to AnalyzeTimeout
	RetryLimit int           // retried paths remembered, defaults to DefaultRetryLimit
}

// Plugin bundles everything a host needs to analyze images of one vault.
type Plugin struct {
	*Runtime
	*Analyzer

	Cache *cache.Store
	Queue *queue.Queue
	DB    *DB
}

func Init(ctx context.Context, opts InitOptions) (*Plugin, error) {
	if opts.Vault == nil {
		return nil, fmt.Errorf("no vault")
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = vault.ConfigDir
	}
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}
	if opts.Store == nil {
		opts.Store = config.NewStore(opts.Vault, opts.ConfigDir)
	}
	deps := provider.Deps{
		Registry:   opts.Registry,
		Notifier:   opts.Notifier,
		Log:        opts.Log,
		HTTPClient: opts.HttpClient,
	}.WithDefaults()

	settings := opts.Settings
	if settings == nil {
		s, err := opts.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("loading settings: %w", err)
		}
		settings = s
	}
	if settings.Debug {
		if l, ok := deps.Log.(*log.Logger); ok {
			l.Level = log.DebugLevel
		}
	}

	c := cache.New(opts.Vault, opts.ConfigDir, opts.Version, deps.Log)
	rt, err := newRuntime(ctx, settings, opts.Store, opts.Factory, deps, c)
	if err != nil {
		return nil, err
	}

	q := queue.New(queue.DefaultTimeout, deps.Log)
	cfg := AnalyzerConfig{
		Source:     rt,
		Cache:      c,
		Queue:      q,
		Vault:      opts.Vault,
		Notifier:   deps.Notifier,
		Log:        deps.Log,
		Timeout:    opts.Timeout,
		RetryLimit: opts.RetryLimit,
	}
	if opts.DB != nil {
		cfg.Journal = opts.DB
	}

	return &Plugin{
		Runtime:  rt,
		Analyzer: NewAnalyzer(cfg),
		Cache:    c,
		Queue:    q,
		DB:       opts.DB,
	}, nil
}

// Close drops pending analyses and shuts the provider down. The journal is
// owned by the caller.
func (p *Plugin) Close() {
	p.Queue.Close()
	p.Runtime.Close()
}
