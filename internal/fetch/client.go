// Package fetch retrieves yield/TVL samples from the configured data sources.
package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/gravity-oracle/internal/model"
)

// Client defines the interface that all data sources must implement
type Client interface {
	// Fetch retrieves one sample per reported venue
	Fetch(ctx context.Context) ([]model.YieldSample, error)

	// Name identifies the source in logs
	Name() string
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// SourceOf returns the least trustworthy source in a batch: simulated beats
// cached beats live. An empty batch reports simulated.
func SourceOf(samples []model.YieldSample) model.Source {
	if len(samples) == 0 {
		return model.SourceSimulated
	}
	rank := map[model.Source]int{model.SourceLive: 0, model.SourceCached: 1, model.SourceSimulated: 2}
	worst := model.SourceLive
	for _, s := range samples {
		if rank[s.Source] > rank[worst] {
			worst = s.Source
		}
	}
	return worst
}
