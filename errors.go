package imganalyzer

import (
	"errors"

	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/queue"
)

// Version is written into every cache entry.
const Version = "1.2.0"

var (
	// ErrNotAnImage is returned for paths without a supported image
	// extension. It is never retried.
	ErrNotAnImage = errors.New("file is not an image")
	// ErrProviderNotReady means no provider is configured, or it lacks the
	// credentials to send requests. It is never retried.
	ErrProviderNotReady = provider.ErrNotReady
	// ErrEmptyResponse means the model answered without text. Empty answers
	// are failures and are never cached.
	ErrEmptyResponse = provider.ErrEmptyResponse
	// ErrTimeout means an analysis held the queue longer than its ceiling.
	ErrTimeout = queue.ErrTimeout
)
