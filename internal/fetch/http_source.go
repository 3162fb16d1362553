package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/validation"
)

// ErrNoData is returned when a source answers without any usable row
var ErrNoData = errors.New("no usable samples")

// HTTPSource implements a client for a yield API returning
// {"data":[{"venue":"jitosol","apy_bps":712,"tvl_usd":1.2e9}]}
type HTTPSource struct {
	name       string
	url        string
	httpClient *http.Client
	apiKey     string
	opts       validation.ValidationOptions
	now        func() time.Time
}

// HTTPSourceOptions configures an HTTPSource
type HTTPSourceOptions struct {
	Name       string
	URL        string
	APIKey     string
	Timeout    time.Duration
	RetryMax   int
	Validation validation.ValidationOptions
}

// NewHTTPSource creates a new HTTP data source
func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "http"
	}
	return &HTTPSource{
		name:       opts.Name,
		url:        strings.TrimRight(opts.URL, "/"),
		httpClient: StandardClient(newRetryClient(opts.RetryMax, opts.Timeout)),
		apiKey:     opts.APIKey,
		opts:       opts.Validation,
		now:        time.Now,
	}
}

// Name identifies the source
func (c *HTTPSource) Name() string {
	return c.name
}

// Fetch retrieves yield data from the API. Malformed rows are dropped; a
// response without a single valid row is an error.
func (c *HTTPSource) Fetch(ctx context.Context) ([]model.YieldSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logrus.Debugf("Fetching yields from %s: %s", c.name, c.url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching data from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s API error: status %d, body: %s", c.name, resp.StatusCode, string(body))
	}

	var response struct {
		Data []validation.RawSample `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding response from %s: %w", c.name, err)
	}

	samples := validation.FilterInvalid(response.Data, c.now(), c.opts)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s returned %d rows: %w", c.name, len(response.Data), ErrNoData)
	}

	logrus.Debugf("Received %d samples from %s", len(samples), c.name)
	return samples, nil
}
