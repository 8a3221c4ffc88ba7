package imganalyzer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chriskillpack/imganalyzer/cache"
	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/notify"
	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/queue"
	"github.com/chriskillpack/imganalyzer/vault"
)

const (
	// AnalyzeTimeout is the ceiling for one analysis attempt.
	AnalyzeTimeout = 120 * time.Second
	// DefaultRetryLimit bounds the number of retried paths remembered.
	DefaultRetryLimit = 4096
)

// Source supplies the provider and prompt at the time a task runs.
type Source interface {
	Provider() provider.Provider
	Prompt() string
}

// Journal records analysis attempts. *DB implements it.
type Journal interface {
	RecordSuccess(ctx context.Context, path, description, describer, model string, at time.Time) error
	RecordFailure(ctx context.Context, path, describer, model string, at time.Time, cause error) error
}

type AnalyzerConfig struct {
	Source  Source
	Cache   *cache.Store
	Queue   *queue.Queue
	Vault   vault.FS
	Journal Journal // optional

	Notifier   notify.Notifier
	Log        log.Interface
	Timeout    time.Duration
	RetryLimit int
}

// Analyzer turns images into descriptions. Cache hits are answered on the
// caller's goroutine, everything else goes through the queue.
type Analyzer struct {
	src      Source
	cache    *cache.Store
	queue    *queue.Queue
	fs       vault.FS
	journal  Journal
	notifier notify.Notifier
	log      log.Interface
	timeout  time.Duration

	retried *retrySet
	now     func() time.Time
}

func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = AnalyzeTimeout
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Log == nil {
		cfg.Log = log.Log
	}
	return &Analyzer{
		src:      cfg.Source,
		cache:    cfg.Cache,
		queue:    cfg.Queue,
		fs:       cfg.Vault,
		journal:  cfg.Journal,
		notifier: cfg.Notifier,
		log:      cfg.Log,
		timeout:  cfg.Timeout,
		retried:  newRetrySet(cfg.RetryLimit),
		now:      time.Now,
	}
}

// CleanPath puts a vault path in the form the vault walk produces, so
// "./photos/cat.png" and "photos/cat.png" share one cache entry.
func CleanPath(p string) string {
	return strings.TrimPrefix(path.Clean(p), "./")
}

// CanBeAnalyzed reports whether p has a supported image extension.
func (a *Analyzer) CanBeAnalyzed(p string) bool {
	return vault.IsImage(p)
}

func (a *Analyzer) IsInCache(p string) bool {
	return a.cache.Exists(CleanPath(p))
}

func (a *Analyzer) RemoveFromCache(p string) error {
	return a.cache.Remove(CleanPath(p))
}

func (a *Analyzer) ClearCache() error {
	return a.cache.Clear()
}

// Analyze returns the description of the image at vault path p. A failed
// attempt is retried once per path for the lifetime of the Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, p string) (string, error) {
	p = CleanPath(p)
	ll := a.log.WithField("path", p)

	if !vault.IsImage(p) {
		metrics.RecordAnalyze("error")
		return "", fmt.Errorf("%w: %s", ErrNotAnImage, p)
	}

	if e, ok := a.cache.Read(p); ok {
		metrics.RecordCacheLookup(true)
		metrics.RecordAnalyze("hit")
		ll.Debug("cache hit")
		return e.Text, nil
	}
	metrics.RecordCacheLookup(false)

	text, err := a.attempt(ctx, p, false)
	if err != nil && a.shouldRetry(ctx, p, err) {
		metrics.RecordRetry()
		ll.WithError(err).Warn("analysis failed, retrying once")
		text, err = a.attempt(ctx, p, provider.IsTransport(err))
	}
	if err != nil {
		metrics.RecordAnalyze("error")
		ll.WithError(err).Error("analysis failed")
		return "", err
	}

	metrics.RecordAnalyze("analyzed")
	ll.Debug("image analyzed")
	return text, nil
}

func (a *Analyzer) shouldRetry(ctx context.Context, p string, err error) bool {
	switch {
	case errors.Is(err, ErrNotAnImage),
		errors.Is(err, ErrProviderNotReady),
		errors.Is(err, queue.ErrClosed),
		errors.Is(err, queue.ErrCleared):
		return false
	case ctx.Err() != nil:
		return false
	}
	return a.retried.Add(p)
}

// attempt runs one analysis through the queue. With reconnect set, providers
// able to rebuild their connection do so before the request is sent.
func (a *Analyzer) attempt(ctx context.Context, p string, reconnect bool) (string, error) {
	task := func(ctx context.Context) (string, error) {
		prov := a.src.Provider()
		if prov == nil {
			return "", ErrProviderNotReady
		}
		if reconnect {
			if rc, ok := prov.(provider.Reconnector); ok {
				if err := rc.Reconnect(ctx); err != nil {
					a.log.WithError(err).WithField("provider", prov.ID()).Warn("reconnect failed")
				}
			}
		}
		return a.describe(ctx, prov, p)
	}
	return a.queue.Enqueue(ctx, task, queue.WithTimeout(a.timeout), queue.WithName("analyze "+p))
}

func (a *Analyzer) describe(ctx context.Context, prov provider.Provider, p string) (string, error) {
	data, err := a.fs.ReadBinary(p)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}

	text, err := prov.QueryWithImage(ctx, a.src.Prompt(), base64.StdEncoding.EncodeToString(data))
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = ErrEmptyResponse
	}
	a.record(ctx, prov, p, text, err)
	if err != nil {
		return "", err
	}

	// A result that cannot be cached is still a result
	if werr := a.cache.Write(p, text); werr != nil {
		a.log.WithError(werr).WithField("path", p).Error("writing cache entry")
	}
	return text, nil
}

func (a *Analyzer) record(ctx context.Context, prov provider.Provider, p, text string, cause error) {
	if a.journal == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	describer, model := string(prov.ID()), prov.LastImageModel().Model

	var err error
	if cause == nil {
		err = a.journal.RecordSuccess(ctx, p, text, describer, model, a.now())
	} else {
		err = a.journal.RecordFailure(ctx, p, describer, model, a.now(), cause)
	}
	if err != nil {
		a.log.WithError(err).WithField("path", p).Warn("journal write failed")
	}
}

// AnalyzeWithNotice is Analyze with user notifications around it. The
// failure notice is followed by the cause so transient errors can be told
// apart from images the model had nothing to say about.
func (a *Analyzer) AnalyzeWithNotice(ctx context.Context, p string) (string, error) {
	a.notifier.Notify("Analyzing image")
	text, err := a.Analyze(ctx, p)
	if err != nil {
		a.notifier.Notify("Failed to analyze image")
		a.notifier.Notify(err.Error())
		return "", err
	}
	a.notifier.Notify("Image analyzed")
	return text, nil
}

// retrySet remembers up to limit paths, forgetting the oldest first.
type retrySet struct {
	paths *lru.Cache[string, struct{}]
}

func newRetrySet(limit int) *retrySet {
	paths, err := lru.New[string, struct{}](limit)
	if err != nil {
		// Only returned for a non-positive size
		panic(err)
	}
	return &retrySet{paths: paths}
}

// Add records p and reports whether it was new. Lookups do not refresh a
// path, so eviction order is insertion order.
func (s *retrySet) Add(p string) bool {
	found, _ := s.paths.ContainsOrAdd(p, struct{}{})
	return !found
}

func (s *retrySet) Len() int { return s.paths.Len() }
