package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/provider"
)

var errAborted = errors.New("request aborted")

// bearerTransport adds the configured token to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// conn is one configured connection to a server. It is replaced, never
// mutated, when the endpoint or credentials change.
type conn struct {
	baseURL string
	client  *api.Client
	err     error // a bad url, reported by every call
}

func newConn(baseURL, token string, hc *http.Client) *conn {
	c := &conn{baseURL: baseURL}
	u, err := url.Parse(baseURL)
	if err != nil {
		c.err = err
		return c
	}

	if token != "" {
		rt := hc.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		authed := *hc
		authed.Transport = &bearerTransport{token: token, base: rt}
		hc = &authed
	}
	c.client = api.NewClient(u, hc)
	return c
}

// abortSlot tracks the most recently started request so it can be aborted.
// A settling request only clears the slot if it is still the tracked one.
type abortSlot struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func (a *abortSlot) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.seq++
	id := a.seq
	a.cancel = cancel
	a.mu.Unlock()

	return ctx, func() {
		a.mu.Lock()
		if a.seq == id {
			a.cancel = nil
		}
		a.mu.Unlock()
		cancel()
	}
}

// abort cancels the tracked request, if any.
func (a *abortSlot) abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return false
	}
	a.cancel()
	a.cancel = nil
	return true
}

// call runs fn on the current connection with its context tracked by the
// abort slot.
func (o *ollama) call(ctx context.Context, op string, fn func(ctx context.Context, c *api.Client) error) (err error) {
	start := time.Now()
	defer func() { metrics.RecordProviderRequest(string(provider.Ollama), op, err, time.Since(start)) }()

	c := o.conn()
	if c.err != nil {
		return &provider.TransportError{Provider: provider.Ollama, Op: op, Err: c.err}
	}

	tctx, release := o.abort.track(ctx)
	defer release()

	if err := fn(tctx, c.client); err != nil {
		return o.classify(ctx, tctx, op, err)
	}
	return nil
}

// classify reports caller cancellation as is, turns an abort through the
// slot into a transport failure and wraps everything else as one.
func (o *ollama) classify(ctx, tctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if tctx.Err() != nil {
		return &provider.TransportError{Provider: provider.Ollama, Op: op, Err: errAborted}
	}

	te := &provider.TransportError{Provider: provider.Ollama, Op: op, Err: err}
	var se api.StatusError
	if errors.As(err, &se) {
		te.StatusCode = se.StatusCode
	}
	return te
}
