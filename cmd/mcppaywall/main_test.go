package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/siddimore/mcp-paywall/internal/config"
	"github.com/siddimore/mcp-paywall/pkg/cashu"
	"github.com/siddimore/mcp-paywall/pkg/mcp"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paywall.Provider = config.ProviderMock
	cfg.Paywall.AdminToken = "admin-secret"
	cfg.Store.Path = filepath.Join(t.TempDir(), "paywall.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(cfg, io.Discard)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info to be filtered at warn level")
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("Expected JSON warn line, got %q", buf.String())
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := newLogger(config.LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestRoutesPaywallFlow(t *testing.T) {
	a := newTestApp(t, mockConfig(t))
	handler := a.routes(mcp.NewServer(mcp.ServerConfig{Logger: a.logger}))

	// Invoice
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/paywall/create-invoice",
		strings.NewReader(`{"amount":21,"unit":"sat"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("create-invoice: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var invoice paywall.CreateInvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&invoice); err != nil {
		t.Fatal(err)
	}
	if invoice.Quote == "" || invoice.Amount != 21 || invoice.Provider != paywall.ProviderMock {
		t.Fatalf("Unexpected invoice: %+v", invoice)
	}

	// The demo mock provider pays on the first check
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paywall/check-payment/"+invoice.Quote, nil))
	var check paywall.CheckPaymentResponse
	if err := json.NewDecoder(rec.Body).Decode(&check); err != nil {
		t.Fatal(err)
	}
	if !check.Paid || check.AccessToken == "" {
		t.Fatalf("Expected paid check with a token, got %+v", check)
	}
	if !strings.Contains(check.AccessLink, "/mcp?accessToken=") {
		t.Errorf("Unexpected access link %q", check.AccessLink)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"paywall_session"}}`

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+check.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), invoice.Quote) {
		t.Errorf("Expected session for %s, got %d %s", invoice.Quote, rec.Code, rec.Body.String())
	}

	// Admin routes need the token
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paywall/statistics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for statistics without admin token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestSweep(t *testing.T) {
	a := newTestApp(t, mockConfig(t))
	ctx := context.Background()

	if _, err := a.service.CreateInvoice(ctx, paywall.CreateInvoiceRequest{}); err != nil {
		t.Fatal(err)
	}
	a.sweep(ctx)

	stats, err := a.service.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalPayments != 1 {
		t.Errorf("Sweep must keep unexpired records, got %d", stats.TotalPayments)
	}
}

func TestRenderStatistics(t *testing.T) {
	out := renderStatistics(&paywall.Statistics{
		TotalPayments:  4,
		PaidPayments:   1,
		ActiveTokens:   1,
		ConversionRate: 0.25,
		RevenueByUnit:  []paywall.UnitRevenue{{Unit: "sat", Total: 21}, {Unit: "usd", Total: 99}},
	})

	for _, want := range []string{"Payment statistics", "Total payments", "25.0%", "21 SAT", "99 USD"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	empty := renderStatistics(&paywall.Statistics{})
	if !strings.Contains(empty, "none") {
		t.Errorf("Expected no revenue marker:\n%s", empty)
	}
}

func TestTokenInspectCommand(t *testing.T) {
	token := &cashu.Token{
		Mint: "https://mint.example.com",
		Unit: "sat",
		Memo: "MCP Paywall Token",
		Proofs: []cashu.Proof{
			{Amount: 8, ID: "009a1f293253e41e", Secret: "secret-a", C: "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
			{Amount: 2, ID: "009a1f293253e41e", Secret: "secret-b", C: "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
		},
	}
	encoded, err := token.Encode()
	if err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "token", "inspect", encoded)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	for _, want := range []string{"Mint:    https://mint.example.com", "Amount:  10", "Proofs:  2", "009a1f293253e41e"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	if _, err := runCommand(t, "token", "inspect", "cashuAeyJ0b2tlbiI6W119"); err == nil {
		t.Error("Expected error for a non-cashuB token")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	t.Setenv("MCPPAYWALL_PAYWALL_PROVIDER", "mock")
	t.Setenv("MCPPAYWALL_PAYWALL_ADMIN_TOKEN", "s3cret")

	out, err := runCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "s3cret") {
		t.Error("Admin token leaked in config show")
	}
	if !strings.Contains(out, "provider: mock") {
		t.Errorf("Expected provider in output:\n%s", out)
	}
}

func TestTokenUnsealCommand(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	cfg := mockConfig(t)
	cfg.Cashu.SealRecipients = []string{identity.Recipient().String()}

	a, err := newApp(cfg, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	invoice, err := a.service.CreateInvoice(ctx, paywall.CreateInvoiceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.service.CheckPayment(ctx, invoice.Quote, "http://localhost"); err != nil {
		t.Fatal(err)
	}
	record, err := a.store.ByQuoteID(ctx, invoice.Quote)
	if err != nil {
		t.Fatal(err)
	}
	if !paywall.IsSealed(record.ClaimedToken) {
		t.Fatalf("Expected a sealed token, got %q", record.ClaimedToken)
	}
	a.Close()

	identityPath := filepath.Join(t.TempDir(), "identity.txt")
	if err := os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MCPPAYWALL_PAYWALL_PROVIDER", "mock")
	t.Setenv("MCPPAYWALL_STORE_PATH", cfg.Store.Path)

	if _, err := runCommand(t, "token", "unseal", invoice.Quote); err == nil {
		t.Error("Expected error without an identity")
	}

	out, err := runCommand(t, "token", "unseal", invoice.Quote, "--identity", identityPath)
	if err != nil {
		t.Fatalf("unseal failed: %v", err)
	}
	want := "mocktoken_" + invoice.Quote + "_99usd"
	if strings.TrimSpace(out) != want {
		t.Errorf("Expected %q, got %q", want, out)
	}

	if _, err := runCommand(t, "token", "unseal", "missing-quote", "--identity", identityPath); err == nil {
		t.Error("Expected error for unknown quote")
	}
}

func TestStatsCommandJSON(t *testing.T) {
	cfg := mockConfig(t)
	a := newTestApp(t, cfg)
	if _, err := a.service.CreateInvoice(context.Background(), paywall.CreateInvoiceRequest{}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MCPPAYWALL_PAYWALL_PROVIDER", "mock")
	t.Setenv("MCPPAYWALL_STORE_PATH", cfg.Store.Path)

	out, err := runCommand(t, "stats", "--json")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats paywall.Statistics
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats --json is not JSON: %v\n%s", err, out)
	}
	if stats.TotalPayments != 1 || stats.PaidPayments != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	out, err = runCommand(t, "cleanup")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out, "Removed 0") {
		t.Errorf("Unexpected cleanup output %q", out)
	}
}
