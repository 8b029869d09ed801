package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Observation is one raw price sample as reported by a feed: an integer value
// in the feed's native fixed-point scale plus the feed's own timestamp.
type Observation struct {
	Symbol    string
	Value     *big.Int
	Decimals  uint8
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the observation.
func (o Observation) Clone() Observation {
	clone := o
	if o.Value != nil {
		clone.Value = new(big.Int).Set(o.Value)
	}
	return clone
}

// Feed produces price observations for a single symbol.
type Feed interface {
	Symbol() string
	Fetch(ctx context.Context) (Observation, error)
}

// ManualFeed keeps an operator-set observation in memory. It backs tests and
// the incident-override path where a human pins a price by hand.
type ManualFeed struct {
	mu     sync.RWMutex
	symbol string
	obs    Observation
	set    bool
}

// NewManualFeed constructs an empty manual feed for the given symbol.
func NewManualFeed(symbol string) *ManualFeed {
	return &ManualFeed{symbol: normaliseSymbol(symbol)}
}

// Symbol returns the feed's symbol.
func (f *ManualFeed) Symbol() string {
	if f == nil {
		return ""
	}
	return f.symbol
}

// Set pins the current observation. A nil value clears the feed.
func (f *ManualFeed) Set(value *big.Int, decimals uint8, ts time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == nil {
		f.set = false
		f.obs = Observation{}
		return
	}
	f.obs = Observation{
		Symbol:    f.symbol,
		Value:     new(big.Int).Set(value),
		Decimals:  decimals,
		Timestamp: ts,
		Source:    "manual",
	}
	f.set = true
}

// Fetch returns the pinned observation.
func (f *ManualFeed) Fetch(ctx context.Context) (Observation, error) {
	if f == nil {
		return Observation{}, fmt.Errorf("manual feed not configured")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return Observation{}, fmt.Errorf("manual feed: no observation for %s", f.symbol)
	}
	return f.obs.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed polls a JSON price endpoint. The endpoint must answer
// {"value":"<integer>","decimals":<n>,"timestamp":<unix>} for the symbol in
// the query string.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	symbol   string
	source   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used.
func NewHTTPFeed(client HTTPDoer, endpoint, symbol, source string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	trimmedSource := strings.TrimSpace(source)
	if trimmedSource == "" {
		trimmedSource = "http"
	}
	return &HTTPFeed{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		symbol:   normaliseSymbol(symbol),
		source:   trimmedSource,
	}
}

// Symbol returns the feed's symbol.
func (f *HTTPFeed) Symbol() string {
	if f == nil {
		return ""
	}
	return f.symbol
}

// Fetch performs one GET against the endpoint and validates the payload.
func (f *HTTPFeed) Fetch(ctx context.Context) (Observation, error) {
	if f == nil || f.endpoint == "" {
		return Observation{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Observation{}, err
	}
	query := req.URL.Query()
	query.Set("symbol", f.symbol)
	req.URL.RawQuery = query.Encode()
	resp, err := f.client.Do(req)
	if err != nil {
		return Observation{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Observation{}, fmt.Errorf("http feed %s: status %d: %s", f.symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Value     string `json:"value"`
		Decimals  uint8  `json:"decimals"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Observation{}, fmt.Errorf("http feed %s: decode: %w", f.symbol, err)
	}
	raw := strings.TrimSpace(payload.Value)
	if raw == "" {
		return Observation{}, fmt.Errorf("http feed %s: empty value", f.symbol)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return Observation{}, fmt.Errorf("http feed %s: invalid value %q", f.symbol, payload.Value)
	}
	if payload.Timestamp <= 0 {
		return Observation{}, fmt.Errorf("http feed %s: missing timestamp", f.symbol)
	}
	return Observation{
		Symbol:    f.symbol,
		Value:     value,
		Decimals:  payload.Decimals,
		Timestamp: time.Unix(payload.Timestamp, 0),
		Source:    f.source,
	}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
