package cashu_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
	"github.com/siddimore/mcp-paywall/internal/mintsim"
	"github.com/siddimore/mcp-paywall/pkg/cashu"
)

func newTestClient(t *testing.T, url string, clk clock.Clock) *cashu.Client {
	t.Helper()
	client, err := cashu.NewClient(cashu.ClientConfig{
		MintURL:        url,
		RequestTimeout: time.Second,
		MaxAttempts:    3,
		RetryBackoff:   time.Millisecond,
		Clock:          clk,
		Logger:         slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientRetriesTransientGET(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(cashu.MintQuote{Quote: "q1", Request: "lnbc1", State: cashu.QuotePaid})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	quote, err := client.MintQuote(context.Background(), "q1")
	if err != nil {
		t.Fatalf("MintQuote: %v", err)
	}
	if quote.State != cashu.QuotePaid {
		t.Errorf("Expected PAID, got %s", quote.State)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.MintQuote(context.Background(), "q1")
	var mintErr *cashu.MintError
	if !errors.As(err, &mintErr) || mintErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502 MintError, got %v", err)
	}
	if cashu.IsPermanent(err) {
		t.Error("5xx should not be permanent")
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientFailsFastOnRejection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"detail": "quote not paid", "code": cashu.CodeQuoteNotPaid})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.MintQuote(context.Background(), "q1")
	if !cashu.IsMintError(err, cashu.CodeQuoteNotPaid) {
		t.Fatalf("Expected mint error %d, got %v", cashu.CodeQuoteNotPaid, err)
	}
	if !cashu.IsPermanent(err) {
		t.Error("4xx rejection should be permanent")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

func TestClientDoesNotRetryPOSTOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Mint(context.Background(), cashu.MintRequest{Quote: "q1"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("POST should not be retried after a 500, got %d attempts", calls.Load())
	}
}

func TestClientRetriesPOSTOnTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(cashu.MintQuote{Quote: "q1", Request: "lnbc1", State: cashu.QuoteUnpaid})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	if _, err := client.CreateMintQuote(context.Background(), cashu.MintQuoteRequest{Amount: 1, Unit: "sat"}); err != nil {
		t.Fatalf("CreateMintQuote: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
}

func TestClientMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.MintQuote(context.Background(), "q1")
	if !errors.Is(err, cashu.ErrMalformedResponse) {
		t.Fatalf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestClientKeysetCache(t *testing.T) {
	mint, err := mintsim.New(mintsim.Config{Units: []string{"sat", "usd"}, Rand: testRand(5), Denominations: 8})
	if err != nil {
		t.Fatalf("mintsim.New: %v", err)
	}
	var keysetCalls atomic.Int32
	inner := mint.Handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/keysets" {
			keysetCalls.Add(1)
		}
		inner.ServeHTTP(w, r)
	}))
	defer server.Close()

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client := newTestClient(t, server.URL, clk)

	keyset, err := client.Keyset(context.Background(), "usd")
	if err != nil {
		t.Fatalf("Keyset: %v", err)
	}
	if keyset.ID != mint.KeysetID("usd") || keyset.Unit != "usd" {
		t.Errorf("Expected usd keyset %s, got %s/%s", mint.KeysetID("usd"), keyset.ID, keyset.Unit)
	}
	if len(keyset.Denominations()) != 8 {
		t.Errorf("Expected 8 denominations, got %d", len(keyset.Denominations()))
	}
	if cashu.DeriveKeysetID(keyset.Keys) != keyset.ID {
		t.Error("Keyset id does not match its keys")
	}

	if _, err := client.Keyset(context.Background(), "usd"); err != nil {
		t.Fatal(err)
	}
	if keysetCalls.Load() != 1 {
		t.Errorf("Expected cached keyset, got %d keyset calls", keysetCalls.Load())
	}

	clk.Advance(6 * time.Minute)
	if _, err := client.Keyset(context.Background(), "usd"); err != nil {
		t.Fatal(err)
	}
	if keysetCalls.Load() != 2 {
		t.Errorf("Expected refresh after TTL, got %d keyset calls", keysetCalls.Load())
	}

	if _, err := client.Keyset(context.Background(), "eur"); !errors.Is(err, cashu.ErrNoKeyset) {
		t.Errorf("Expected ErrNoKeyset for eur, got %v", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	for _, url := range []string{"", "mint.example.com", "://bad"} {
		if _, err := cashu.NewClient(cashu.ClientConfig{MintURL: url}); err == nil {
			t.Errorf("Expected error for mint URL %q", url)
		}
	}
}
