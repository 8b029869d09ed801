package oracle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManualFeedRoundTrip(t *testing.T) {
	feed := NewManualFeed("usdc")
	if _, err := feed.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error before first set")
	}
	ts := time.Unix(1_700_000_000, 0)
	feed.Set(big.NewInt(101), 2, ts)
	obs, err := feed.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if obs.Symbol != "USDC" {
		t.Fatalf("expected normalized symbol, got %s", obs.Symbol)
	}
	if obs.Value.Cmp(big.NewInt(101)) != 0 || obs.Decimals != 2 {
		t.Fatalf("unexpected observation: %v", obs)
	}
	if !obs.Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp: %v", obs.Timestamp)
	}
}

func TestHTTPFeedFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "WETH" {
			t.Fatalf("expected symbol=WETH, got %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"value":     "250050000000",
			"decimals":  8,
			"timestamp": time.Now().Unix(),
		})
	}))
	defer server.Close()

	feed := NewHTTPFeed(server.Client(), server.URL, "weth", "unit-test")
	obs, err := feed.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want, _ := new(big.Int).SetString("250050000000", 10)
	if obs.Value.Cmp(want) != 0 {
		t.Fatalf("value: got %s want %s", obs.Value, want)
	}
	if obs.Decimals != 8 || obs.Source != "unit-test" {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestHTTPFeedRejectsBadPayload(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"empty value":       {"value": "", "decimals": 8, "timestamp": time.Now().Unix()},
		"negative value":    {"value": "-5", "decimals": 8, "timestamp": time.Now().Unix()},
		"missing timestamp": {"value": "100", "decimals": 8},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(payload)
			}))
			defer server.Close()
			feed := NewHTTPFeed(server.Client(), server.URL, "usdc", "")
			if _, err := feed.Fetch(context.Background()); err == nil {
				t.Fatalf("expected fetch failure for %s", name)
			}
		})
	}
}

func TestHTTPFeedSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()
	feed := NewHTTPFeed(server.Client(), server.URL, "usdc", "")
	if _, err := feed.Fetch(context.Background()); err == nil {
		t.Fatalf("expected status error")
	}
}
