package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HTTPVenue is a client for a quote/execute aggregator API.
//
//	GET  {base}/quote?inputMint=..&outputMint=..&amount=..
//	POST {base}/execute
type HTTPVenue struct {
	baseURL     string
	apiKey      string
	quoteClient *http.Client
	execClient  *http.Client
}

// HTTPOptions configures an HTTPVenue
type HTTPOptions struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// NewHTTPVenue creates a venue client. Quotes are idempotent and retried by the
// transport; executions are sent exactly once per call.
func NewHTTPVenue(opts HTTPOptions) *HTTPVenue {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &HTTPVenue{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		quoteClient: newRetryClient(opts.RetryMax, opts.Timeout).StandardClient(),
		execClient:  newRetryClient(0, opts.Timeout).StandardClient(),
	}
}

func newRetryClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c
}

type quoteResponse struct {
	InAmount       *string `json:"inAmount"`
	OutAmount      *string `json:"outAmount"`
	PriceImpactPct *string `json:"priceImpactPct"`
}

type executeResponse struct {
	Success       *bool   `json:"success"`
	SettlementRef string  `json:"settlementRef"`
	OutAmount     *string `json:"outAmount"`
	Error         string  `json:"error"`
}

// Quote requests an exchange quote
func (v *HTTPVenue) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("invalid quote amount %v", amount)
	}
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("error creating quote request: %w", err)
	}
	v.setHeaders(req)

	body, err := v.do(v.quoteClient, req)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s->%s: %w", short(inputMint), short(outputMint), err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Quote{}, fmt.Errorf("error decoding quote: %w", err)
	}
	if resp.OutAmount == nil {
		return Quote{}, fmt.Errorf("quote %s->%s: %w", short(inputMint), short(outputMint), ErrNoRoute)
	}
	out, ok := new(big.Int).SetString(*resp.OutAmount, 10)
	if !ok || out.Sign() <= 0 {
		return Quote{}, fmt.Errorf("invalid quote outAmount %q", *resp.OutAmount)
	}
	impact := decimal.Zero
	if resp.PriceImpactPct != nil {
		impact, err = decimal.NewFromString(*resp.PriceImpactPct)
		if err != nil {
			return Quote{}, fmt.Errorf("invalid quote priceImpactPct %q: %w", *resp.PriceImpactPct, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"input":  short(inputMint),
		"output": short(outputMint),
		"amount": amount.String(),
		"out":    out.String(),
		"impact": impact.String(),
	}).Debug("Received swap quote")

	return Quote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       new(big.Int).Set(amount),
		OutAmount:      out,
		PriceImpactPct: impact.Abs(),
		Raw:            json.RawMessage(body),
	}, nil
}

// Execute submits a previously obtained quote
func (v *HTTPVenue) Execute(ctx context.Context, q Quote) (Result, error) {
	payload := q.Raw
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(struct {
			InputMint  string `json:"inputMint"`
			OutputMint string `json:"outputMint"`
			InAmount   string `json:"inAmount"`
			OutAmount  string `json:"outAmount"`
		}{q.InputMint, q.OutputMint, q.InAmount.String(), q.OutAmount.String()})
		if err != nil {
			return Result{}, fmt.Errorf("error encoding quote: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("error creating execute request: %w", err)
	}
	v.setHeaders(req)

	body, err := v.do(v.execClient, req)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s->%s: %w", short(q.InputMint), short(q.OutputMint), err)
	}

	var resp executeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("error decoding execute response: %w", err)
	}
	if resp.Success == nil {
		return Result{}, fmt.Errorf("execute response without success flag")
	}
	if !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "venue reported failure"
		}
		return Result{Success: false, Error: msg}, nil
	}

	res := Result{Success: true, SettlementRef: resp.SettlementRef, OutAmount: q.OutAmount}
	if resp.OutAmount != nil {
		out, ok := new(big.Int).SetString(*resp.OutAmount, 10)
		if !ok {
			return Result{}, fmt.Errorf("invalid execute outAmount %q", *resp.OutAmount)
		}
		res.OutAmount = out
	}
	return res, nil
}

func (v *HTTPVenue) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}
}

func (v *HTTPVenue) do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func short(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:4] + ".." + mint[len(mint)-4:]
}
