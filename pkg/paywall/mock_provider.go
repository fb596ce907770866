package paywall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ProviderMock tags records created through MockProvider.
const ProviderMock = "mock"

// MockProvider is an in-memory PaymentProvider for demos and tests.
// Quotes stay pending until Pay is called, or are paid on their first
// status check when AutoPay is set.
type MockProvider struct {
	AutoPay bool

	// ClaimErr, when set, is returned by every ClaimToken call.
	ClaimErr error

	// CheckErr, when set, is returned by every CheckStatus call.
	CheckErr error

	// CreateErr, when set, is returned by every CreateInvoice call.
	CreateErr error

	// DisableClaims makes ClaimsTokens report false.
	DisableClaims bool

	// EmptyClaims makes ClaimToken succeed without a token.
	EmptyClaims bool

	mu     sync.Mutex
	quotes map[string]PaymentStatus

	createCalls atomic.Int64
	checkCalls  atomic.Int64
	claimCalls  atomic.Int64
}

// NewMockProvider returns an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{quotes: make(map[string]PaymentStatus)}
}

func (m *MockProvider) Name() string { return ProviderMock }

func (m *MockProvider) ClaimsTokens() bool { return !m.DisableClaims }

func (m *MockProvider) CreateInvoice(_ context.Context, amount uint64, unit, description string) (*Invoice, error) {
	m.createCalls.Add(1)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	quoteID := "mock_" + hex.EncodeToString(buf)

	m.mu.Lock()
	m.quotes[quoteID] = StatusPending
	m.mu.Unlock()

	slog.Debug("[MockProvider] invoice created", "quote_id", quoteID, "amount", amount, "unit", unit, "description", description)
	return &Invoice{
		QuoteID:        quoteID,
		PaymentRequest: fmt.Sprintf("lnbcmock%d%s", amount, quoteID),
		Amount:         amount,
		Unit:           unit,
	}, nil
}

func (m *MockProvider) CheckStatus(_ context.Context, quoteID string) (PaymentStatus, error) {
	m.checkCalls.Add(1)
	if m.CheckErr != nil {
		return "", m.CheckErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.quotes[quoteID]
	if !ok {
		return "", fmt.Errorf("mock: unknown quote %s", quoteID)
	}
	if status == StatusPending && m.AutoPay {
		status = StatusPaid
		m.quotes[quoteID] = status
	}
	return status, nil
}

func (m *MockProvider) ClaimToken(_ context.Context, quoteID string, amount uint64, unit string) (*ClaimResult, error) {
	m.claimCalls.Add(1)
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	if m.EmptyClaims {
		return &ClaimResult{Amount: amount}, nil
	}
	return &ClaimResult{Token: fmt.Sprintf("mocktoken_%s_%d%s", quoteID, amount, unit), Amount: amount}, nil
}

// SetStatus forces a quote into status, e.g. StatusPaid to simulate a
// payment.
func (m *MockProvider) SetStatus(quoteID string, status PaymentStatus) {
	m.mu.Lock()
	m.quotes[quoteID] = status
	m.mu.Unlock()
}

// Pay marks a quote paid.
func (m *MockProvider) Pay(quoteID string) { m.SetStatus(quoteID, StatusPaid) }

// CreateCalls, CheckCalls and ClaimCalls count provider invocations.
func (m *MockProvider) CreateCalls() int64 { return m.createCalls.Load() }
func (m *MockProvider) CheckCalls() int64  { return m.checkCalls.Load() }
func (m *MockProvider) ClaimCalls() int64  { return m.claimCalls.Load() }
