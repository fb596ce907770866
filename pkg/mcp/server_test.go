package mcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	mathrand "math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer() *Server {
	return NewServer(ServerConfig{
		Clock:  clock.Fake(testNow),
		Rand:   mathrand.NewChaCha8([32]byte{7}),
		Logger: slog.New(slog.DiscardHandler),
	})
}

func paidContext() context.Context {
	return paywall.WithIdentity(context.Background(), paywall.Identity{
		UserID:         "quote-123",
		UserIdentifier: "alice",
		Provider:       "cashu",
		ExpiresAt:      testNow.Add(48 * time.Hour),
	})
}

func decodeToolJSON(t *testing.T, result *ToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", result.Content[0].Text)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &out); err != nil {
		t.Fatalf("Tool output is not JSON: %v", err)
	}
	return out
}

func TestNewServerDefaults(t *testing.T) {
	server := NewServer(ServerConfig{})
	if server.config.Name != "mcp-paywall-demo" || server.config.Version != "1.0.0" {
		t.Errorf("Unexpected defaults: %+v", server.config)
	}
}

func TestGetTools(t *testing.T) {
	server := newTestServer()
	tools := server.GetTools()

	expectedTools := map[string]bool{
		"get_weather":       false,
		"generate_password": false,
		"calculate_hash":    false,
		"paywall_session":   false,
	}
	if len(tools) != len(expectedTools) {
		t.Errorf("Expected %d tools, got %d", len(expectedTools), len(tools))
	}
	for _, tool := range tools {
		if _, ok := expectedTools[tool.Name]; ok {
			expectedTools[tool.Name] = true
		}
	}
	for name, found := range expectedTools {
		if !found {
			t.Errorf("Expected tool %s not found", name)
		}
	}
}

func TestWeather(t *testing.T) {
	server := newTestServer()
	result, err := server.CallTool(paidContext(), "get_weather", map[string]any{"city": "Lisbon"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	out := decodeToolJSON(t, result)

	if out["city"] != "Lisbon" || out["user_id"] != "quote-123" {
		t.Errorf("Unexpected output: %v", out)
	}
	temp, _ := out["temperature_celsius"].(float64)
	if temp < -10 || temp > 34 {
		t.Errorf("Temperature out of range: %v", temp)
	}
	if out["timestamp"] != "2026-03-01 12:00:00 UTC" {
		t.Errorf("Unexpected timestamp %v", out["timestamp"])
	}

	missing, _ := server.CallTool(paidContext(), "get_weather", map[string]any{})
	if !missing.IsError {
		t.Error("Expected error without city")
	}
}

func TestGeneratePassword(t *testing.T) {
	server := newTestServer()

	tests := []struct {
		name    string
		args    map[string]any
		wantLen int
		wantErr bool
	}{
		{"default length", map[string]any{}, 12, false},
		{"custom length", map[string]any{"length": float64(32)}, 32, false},
		{"too short", map[string]any{"length": float64(2)}, 0, true},
		{"too long", map[string]any{"length": float64(1000)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := server.CallTool(paidContext(), "generate_password", tt.args)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantErr {
				if !result.IsError {
					t.Error("Expected error result")
				}
				return
			}
			out := decodeToolJSON(t, result)
			password, _ := out["password"].(string)
			if len(password) != tt.wantLen {
				t.Errorf("Expected length %d, got %d", tt.wantLen, len(password))
			}
			for _, c := range password {
				if !strings.ContainsRune(passwordAlphabet, c) {
					t.Errorf("Unexpected character %q", c)
				}
			}
		})
	}
}

func TestCalculateHash(t *testing.T) {
	server := newTestServer()
	result, err := server.CallTool(paidContext(), "calculate_hash", map[string]any{"input": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	out := decodeToolJSON(t, result)
	sum := sha256.Sum256([]byte("hello"))
	if out["sha256_hash"] != hex.EncodeToString(sum[:]) {
		t.Errorf("Unexpected hash %v", out["sha256_hash"])
	}
}

func TestPaywallSession(t *testing.T) {
	server := newTestServer()

	result, err := server.CallTool(paidContext(), "paywall_session", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := decodeToolJSON(t, result)
	if out["user_id"] != "quote-123" || out["provider"] != "cashu" || out["remaining"] != "48h0m0s" {
		t.Errorf("Unexpected session: %v", out)
	}

	anonymous, _ := server.CallTool(context.Background(), "paywall_session", nil)
	if !anonymous.IsError {
		t.Error("Expected error without a paid identity")
	}
}

func TestUnknownTool(t *testing.T) {
	server := newTestServer()
	if _, err := server.CallTool(context.Background(), "nope", nil); err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestReadResource(t *testing.T) {
	server := newTestServer()
	for _, resource := range server.GetResources() {
		contents, err := server.ReadResource(paidContext(), resource.URI)
		if err != nil {
			t.Fatalf("%s: %v", resource.URI, err)
		}
		if !strings.Contains(contents.Text, "quote-123") {
			t.Errorf("%s: expected caller in output", resource.URI)
		}
	}
	if _, err := server.ReadResource(context.Background(), "demo://missing"); err == nil {
		t.Error("Expected error for unknown resource")
	}
}

func postRPC(t *testing.T, handler http.Handler, ctx context.Context, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Invalid JSON-RPC response: %v", err)
	}
	return resp
}

func TestHTTPHandler(t *testing.T) {
	handler := newTestServer().Handler()

	t.Run("initialize", func(t *testing.T) {
		resp := decodeRPC(t, postRPC(t, handler, context.Background(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
		result, _ := resp.Result.(map[string]any)
		if result["protocolVersion"] != ProtocolVersion {
			t.Errorf("Unexpected initialize result: %v", resp.Result)
		}
	})

	t.Run("tools/list", func(t *testing.T) {
		resp := decodeRPC(t, postRPC(t, handler, context.Background(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
		result, _ := resp.Result.(map[string]any)
		tools, _ := result["tools"].([]any)
		if len(tools) != 4 {
			t.Errorf("Expected 4 tools, got %d", len(tools))
		}
	})

	t.Run("tools/call reads identity", func(t *testing.T) {
		rec := postRPC(t, handler, paidContext(),
			`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"paywall_session","arguments":{}}}`)
		if !strings.Contains(rec.Body.String(), "quote-123") {
			t.Errorf("Expected caller identity in response: %s", rec.Body.String())
		}
	})

	t.Run("parse error", func(t *testing.T) {
		resp := decodeRPC(t, postRPC(t, handler, context.Background(), `{not json`))
		if resp.Error == nil || resp.Error.Code != ParseError {
			t.Errorf("Expected parse error, got %+v", resp)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := decodeRPC(t, postRPC(t, handler, context.Background(), `{"jsonrpc":"2.0","id":4,"method":"sampling/create"}`))
		if resp.Error == nil || resp.Error.Code != MethodNotFound {
			t.Errorf("Expected method not found, got %+v", resp)
		}
	})

	t.Run("notification", func(t *testing.T) {
		rec := postRPC(t, handler, context.Background(), `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if rec.Code != http.StatusAccepted || rec.Body.Len() != 0 {
			t.Errorf("Expected empty 202, got %d %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("GET rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405, got %d", rec.Code)
		}
	})
}

func TestHandlerBehindGate(t *testing.T) {
	store := paywall.NewMemoryStore()
	ctx := context.Background()
	record := &paywall.PaymentRecord{
		QuoteID:     "quote-123",
		AccessToken: "tok",
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(time.Hour),
		Amount:      21,
		Unit:        "sat",
		Provider:    "cashu",
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkPaid(ctx, "quote-123", testNow); err != nil {
		t.Fatal(err)
	}

	gated := paywall.Gate(newTestServer().Handler(), paywall.GateConfig{
		Lookup:        store,
		ProtectedPath: "/mcp",
		Clock:         clock.Fake(testNow),
		Logger:        slog.New(slog.DiscardHandler),
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"paywall_session"}}`
	rec := postRPC(t, gated, ctx, body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp?accessToken=tok", strings.NewReader(body))
	rec = httptest.NewRecorder()
	gated.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "quote-123") {
		t.Errorf("Expected tool output for paid caller, got %d %s", rec.Code, rec.Body.String())
	}
}
