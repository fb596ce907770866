package paywall

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
)

const (
	defaultTokenValidity   = 7 * 24 * time.Hour
	defaultAmount          = 99
	defaultUnit            = "usd"
	defaultMcpPath         = "/mcp"
	defaultClaimTimeout    = 30 * time.Second
	defaultClaimLease      = 2 * time.Minute
	defaultRetentionWindow = 30 * 24 * time.Hour

	accessTokenBytes     = 32
	maxDescriptionLength = 1024
)

// Config holds the dependencies and settings of a Service.
type Config struct {
	Store    Store
	Provider PaymentProvider

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Rand supplies access tokens. Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TokenValidity is how long an access token works after its
	// invoice is created. Defaults to 7 days.
	TokenValidity time.Duration

	// DefaultAmount and DefaultUnit price invoices that do not name
	// their own. Defaults are 99 usd.
	DefaultAmount uint64
	DefaultUnit   string

	// McpPath is the protected path access links point at.
	McpPath string

	// ClaimTimeout bounds a claim, independent of the request that
	// triggered it.
	ClaimTimeout time.Duration

	// ClaimLease is how long a started claim blocks another attempt on
	// the same record.
	ClaimLease time.Duration

	// RetentionWindow is how long expired records are kept before
	// Cleanup removes them. Defaults to 30 days.
	RetentionWindow time.Duration

	// Sealer, when set, encrypts claimed tokens before they are stored.
	Sealer *Sealer
}

// Service implements the payment lifecycle: invoice issuance, payment
// checks with the exactly-once paid transition and claim, token
// validation and maintenance.
type Service struct {
	store           Store
	provider        PaymentProvider
	clock           clock.Clock
	randMu          sync.Mutex
	rand            io.Reader
	logger          *slog.Logger
	tokenValidity   time.Duration
	defaultAmount   uint64
	defaultUnit     string
	mcpPath         string
	claimTimeout    time.Duration
	claimLease      time.Duration
	retentionWindow time.Duration
	sealer          *Sealer
}

// NewService validates cfg and fills defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("paywall: Store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("paywall: Provider is required")
	}
	if cfg.TokenValidity < 0 {
		return nil, fmt.Errorf("paywall: TokenValidity must be positive, got %s", cfg.TokenValidity)
	}

	s := &Service{
		store:           cfg.Store,
		provider:        cfg.Provider,
		clock:           cfg.Clock,
		rand:            cfg.Rand,
		logger:          cfg.Logger,
		tokenValidity:   cfg.TokenValidity,
		defaultAmount:   cfg.DefaultAmount,
		defaultUnit:     normalizeUnit(cfg.DefaultUnit),
		mcpPath:         cfg.McpPath,
		claimTimeout:    cfg.ClaimTimeout,
		claimLease:      cfg.ClaimLease,
		retentionWindow: cfg.RetentionWindow,
		sealer:          cfg.Sealer,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tokenValidity == 0 {
		s.tokenValidity = defaultTokenValidity
	}
	if s.defaultAmount == 0 {
		s.defaultAmount = defaultAmount
	}
	if s.defaultUnit == "" {
		s.defaultUnit = defaultUnit
	}
	if s.mcpPath == "" {
		s.mcpPath = defaultMcpPath
	}
	if s.claimTimeout <= 0 {
		s.claimTimeout = defaultClaimTimeout
	}
	if s.claimLease <= 0 {
		s.claimLease = defaultClaimLease
	}
	if s.retentionWindow <= 0 {
		s.retentionWindow = defaultRetentionWindow
	}
	return s, nil
}

// Store returns the service's record store.
func (s *Service) Store() Store { return s.store }

// CreateInvoiceRequest asks for a new invoice. Zero fields take the
// service defaults.
type CreateInvoiceRequest struct {
	Amount         *int64 `json:"amount,omitempty"`
	Unit           string `json:"unit,omitempty"`
	Description    string `json:"description,omitempty"`
	UserIdentifier string `json:"userIdentifier,omitempty"`
}

// CreateInvoiceResponse describes the invoice to pay. The access token
// is only revealed by CheckPayment once the invoice is paid.
type CreateInvoiceResponse struct {
	Quote     string     `json:"quote"`
	Request   string     `json:"request"`
	Amount    uint64     `json:"amount"`
	Unit      string     `json:"unit"`
	Provider  string     `json:"provider"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CheckPaymentResponse reports a quote's state. AccessToken, AccessLink
// and ExpiresAt are set only when State is PAID.
type CheckPaymentResponse struct {
	State       PaymentStatus `json:"state"`
	Paid        bool          `json:"paid"`
	AccessToken string        `json:"accessToken,omitempty"`
	AccessLink  string        `json:"accessLink,omitempty"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
}

// ValidateTokenResponse describes an access token.
type ValidateTokenResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Amount    uint64     `json:"amount,omitempty"`
	Unit      string     `json:"unit,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// CreateInvoice issues an invoice through the provider and stores a
// pending record holding a freshly allocated access token.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*CreateInvoiceResponse, error) {
	amount := s.defaultAmount
	if req.Amount != nil {
		if *req.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", ErrValidationFailed)
		}
		amount = uint64(*req.Amount)
	}
	unit := s.defaultUnit
	if u := normalizeUnit(req.Unit); u != "" {
		unit = u
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, fmt.Errorf("%w: description longer than %d characters", ErrValidationFailed, maxDescriptionLength)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("MCP Server Access (%d %s)", amount, unit)
	}

	accessToken, err := s.newAccessToken()
	if err != nil {
		return nil, err
	}

	invoice, err := s.provider.CreateInvoice(ctx, amount, unit, description)
	if err != nil {
		if errors.Is(err, ErrValidationFailed) {
			return nil, err
		}
		s.logger.Error("invoice creation failed",
			"provider", s.provider.Name(),
			"amount", amount,
			"unit", unit,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrInvoiceCreationFailed, err)
	}

	now := s.clock.Now()
	record := &PaymentRecord{
		QuoteID:        invoice.QuoteID,
		AccessToken:    accessToken,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.tokenValidity),
		UserIdentifier: strings.TrimSpace(req.UserIdentifier),
		Amount:         amount,
		Unit:           unit,
		Provider:       s.provider.Name(),
	}
	if err := s.store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("paywall: storing record for quote %s: %w", invoice.QuoteID, err)
	}

	s.logger.Info("invoice created",
		"quote_id", record.QuoteID,
		"amount", amount,
		"unit", unit,
		"provider", record.Provider,
		"user", record.UserIdentifier,
	)

	return &CreateInvoiceResponse{
		Quote:     invoice.QuoteID,
		Request:   invoice.PaymentRequest,
		Amount:    amount,
		Unit:      unit,
		Provider:  record.Provider,
		ExpiresAt: invoice.ExpiresAt,
	}, nil
}

// CheckPayment reports the state of a quote. The first call that sees
// the provider report PAID flips the record to paid and runs the claim;
// every later call answers from the stored record without asking the
// provider again. Provider failures are reported as state FAILED, and
// unknown quotes as NOT_FOUND; neither is an error.
func (s *Service) CheckPayment(ctx context.Context, quoteID, baseURL string) (*CheckPaymentResponse, error) {
	if strings.TrimSpace(quoteID) == "" {
		return nil, fmt.Errorf("%w: quote id is required", ErrValidationFailed)
	}

	record, err := s.store.ByQuoteID(ctx, quoteID)
	if errors.Is(err, ErrNotFound) {
		return &CheckPaymentResponse{State: StatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("paywall: loading quote %s: %w", quoteID, err)
	}

	if record.IsPaid {
		if record.NeedsClaim() && s.provider.ClaimsTokens() {
			s.retryClaim(ctx, record)
		}
		return s.paidResponse(record, baseURL), nil
	}

	status, err := s.provider.CheckStatus(ctx, quoteID)
	if err != nil {
		s.logger.Warn("payment check failed",
			"quote_id", quoteID,
			"error", fmt.Errorf("%w: %w", ErrPaymentCheckFailed, err),
		)
		return &CheckPaymentResponse{State: StatusFailed}, nil
	}

	if status != StatusPaid {
		return &CheckPaymentResponse{State: status}, nil
	}

	won, err := s.store.MarkPaid(ctx, quoteID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("paywall: marking quote %s paid: %w", quoteID, err)
	}
	record.IsPaid = true
	if won {
		s.logger.Info("payment confirmed",
			"quote_id", quoteID,
			"amount", record.Amount,
			"unit", record.Unit,
		)
		if s.provider.ClaimsTokens() {
			s.claim(ctx, record)
		}
	}
	return s.paidResponse(record, baseURL), nil
}

// ValidateToken reports whether accessToken currently grants access.
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (*ValidateTokenResponse, error) {
	if accessToken == "" {
		return &ValidateTokenResponse{Valid: false, Message: "Token is required"}, nil
	}
	record, err := s.store.ByAccessToken(ctx, accessToken)
	if errors.Is(err, ErrNotFound) {
		return &ValidateTokenResponse{Valid: false, Message: "Invalid or expired token"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("paywall: loading access token: %w", err)
	}
	if !record.IsActive(s.clock.Now()) {
		return &ValidateTokenResponse{Valid: false, Message: "Invalid or expired token"}, nil
	}
	expiresAt := record.ExpiresAt
	return &ValidateTokenResponse{
		Valid:     true,
		ExpiresAt: &expiresAt,
		Provider:  record.Provider,
		Amount:    record.Amount,
		Unit:      record.Unit,
	}, nil
}

// AccessLink builds the link a paid client uses to reach the protected
// server.
func (s *Service) AccessLink(baseURL, accessToken string) string {
	return strings.TrimRight(baseURL, "/") + s.mcpPath + "?accessToken=" + url.QueryEscape(accessToken)
}

func (s *Service) paidResponse(record *PaymentRecord, baseURL string) *CheckPaymentResponse {
	expiresAt := record.ExpiresAt
	return &CheckPaymentResponse{
		State:       StatusPaid,
		Paid:        true,
		AccessToken: record.AccessToken,
		AccessLink:  s.AccessLink(baseURL, record.AccessToken),
		ExpiresAt:   &expiresAt,
	}
}

func (s *Service) newAccessToken() (string, error) {
	buf := make([]byte, accessTokenBytes)
	s.randMu.Lock()
	_, err := io.ReadFull(s.rand, buf)
	s.randMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("paywall: generating access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func normalizeUnit(unit string) string {
	return strings.ToLower(strings.TrimSpace(unit))
}
