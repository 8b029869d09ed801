package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"coffer/observability/logging"
)

func TestFeedLogRedactsURL(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	sensitiveURL := "https://prices.example.com/v1/spot?api_key=sk-live-0042"
	logger.Info("Registered price feed",
		slog.String("symbol", "BTC-USD"),
		slog.String("source", "http"),
		logging.MaskField("url", sensitiveURL))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}

	if logging.IsAllowlisted("url") {
		t.Fatalf("url should not be allowlisted for logging: %v", logging.RedactionAllowlist())
	}

	raw := buf.Bytes()
	if bytes.Contains(raw, []byte(sensitiveURL)) {
		t.Fatalf("log output leaked feed URL: %s", raw)
	}

	value, ok := entry["url"].(string)
	if !ok {
		t.Fatalf("expected string url attribute, got %T", entry["url"])
	}
	if value != logging.RedactedValue {
		t.Fatalf("expected redacted url, got %q", value)
	}
	if entry["symbol"] != "BTC-USD" {
		t.Fatalf("symbol should pass through unmasked, got %v", entry["symbol"])
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := logging.MaskField("url", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values should not be replaced, got %q", attr.Value.String())
	}
}
