package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

func TestGatewayProxiesPaidCallers(t *testing.T) {
	var gotUser, gotHost, gotAuth, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Paywall-User")
		gotHost = r.Header.Get("X-Forwarded-Host")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte("backend:" + r.URL.Path))
	}))
	defer backend.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := paywall.NewMemoryStore()
	ctx := context.Background()
	if err := store.Insert(ctx, &paywall.PaymentRecord{
		QuoteID:     "quote-1",
		AccessToken: "tok",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Amount:      21,
		Unit:        "sat",
		Provider:    paywall.ProviderMock,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkPaid(ctx, "quote-1", now); err != nil {
		t.Fatal(err)
	}

	handler, err := newGateway(backend.URL, paywall.GateConfig{
		Lookup:        store,
		ProtectedPath: "/mcp",
		Clock:         clock.Fake(now),
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode  int
		wantUser  string
		wantQuery string
	}{
		{"unprotected passes", "/health", "", http.StatusOK, "", ""},
		{"missing token", "/mcp", "", http.StatusUnauthorized, "", ""},
		{"paid token", "/mcp/tools", "Bearer tok", http.StatusOK, "quote-1", ""},
		{"paid query token", "/mcp?accessToken=tok&page=2", "", http.StatusOK, "quote-1", "page=2"},
		{"spoofed header stripped", "/health", "", http.StatusOK, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotAuth, gotQuery = "", "", ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.name == "spoofed header stripped" {
				req.Header.Set("X-Paywall-User", "mallory")
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			if gotUser != tt.wantUser {
				t.Errorf("Expected backend user %q, got %q", tt.wantUser, gotUser)
			}
			if gotAuth != "" {
				t.Errorf("Expected no Authorization at backend, got %q", gotAuth)
			}
			if gotQuery != tt.wantQuery {
				t.Errorf("Expected backend query %q, got %q", tt.wantQuery, gotQuery)
			}
		})
	}

	if gotHost != "example.com" {
		t.Errorf("Expected forwarded host example.com, got %q", gotHost)
	}
}

func TestNewGatewayRejectsBadBackend(t *testing.T) {
	if _, err := newGateway("localhost:3000", paywall.GateConfig{}); err == nil {
		t.Error("Expected error for backend without scheme")
	}
}

func TestNewGatewayRequiresLookup(t *testing.T) {
	if _, err := newGateway("http://localhost:3000", paywall.GateConfig{}); err == nil {
		t.Error("Expected error without a token lookup")
	}
}

func TestRunRequiresBackend(t *testing.T) {
	t.Setenv("MCPPAYWALL_GATEWAY_BACKEND", "")
	if err := run(nil, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("Expected error without backend")
	}
}
