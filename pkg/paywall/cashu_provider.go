package paywall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/siddimore/mcp-paywall/pkg/cashu"
)

// ProviderCashu tags records paid through a Cashu mint.
const ProviderCashu = "cashu"

const defaultTokenMemo = "MCP Paywall Token"

// CashuProviderConfig configures a CashuProvider.
type CashuProviderConfig struct {
	Client *cashu.Client

	// StoreTokens enables claiming: paid quotes are redeemed and the
	// resulting token stored with the record. When false, paid quotes
	// are left unredeemed at the mint.
	StoreTokens bool

	// Rand supplies claim secrets and blinding factors.
	Rand io.Reader

	// Memo is embedded in claimed tokens.
	Memo string

	Logger *slog.Logger
}

// CashuProvider issues Lightning mint quotes and claims paid ones as
// Cashu tokens.
type CashuProvider struct {
	client      *cashu.Client
	claimer     *cashu.Claimer
	storeTokens bool
	logger      *slog.Logger
}

// NewCashuProvider returns a provider backed by cfg.Client.
func NewCashuProvider(cfg CashuProviderConfig) (*CashuProvider, error) {
	if cfg.Client == nil {
		return nil, errors.New("paywall: cashu provider requires a client")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	memo := cfg.Memo
	if memo == "" {
		memo = defaultTokenMemo
	}
	claimer, err := cashu.NewClaimer(cashu.ClaimerConfig{
		Mint:   cfg.Client,
		Rand:   cfg.Rand,
		Memo:   memo,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &CashuProvider{
		client:      cfg.Client,
		claimer:     claimer,
		storeTokens: cfg.StoreTokens,
		logger:      logger,
	}, nil
}

// Name returns "cashu".
func (p *CashuProvider) Name() string { return ProviderCashu }

// ClaimsTokens reports whether paid quotes are redeemed.
func (p *CashuProvider) ClaimsTokens() bool { return p.storeTokens }

// CreateInvoice checks that the mint has an active keyset for unit and
// requests a bolt11 mint quote.
func (p *CashuProvider) CreateInvoice(ctx context.Context, amount uint64, unit, description string) (*Invoice, error) {
	if _, err := p.client.Keyset(ctx, unit); err != nil {
		if errors.Is(err, cashu.ErrNoKeyset) {
			return nil, fmt.Errorf("%w: mint does not support unit %q", ErrValidationFailed, unit)
		}
		return nil, err
	}

	quote, err := p.client.CreateMintQuote(ctx, cashu.MintQuoteRequest{
		Amount:      amount,
		Unit:        unit,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{
		QuoteID:        quote.Quote,
		PaymentRequest: quote.Request,
		Amount:         amount,
		Unit:           unit,
	}
	if quote.Expiry != nil && *quote.Expiry > 0 {
		expiresAt := time.Unix(*quote.Expiry, 0).UTC()
		invoice.ExpiresAt = &expiresAt
	}
	return invoice, nil
}

// CheckStatus asks the mint for the quote's state.
func (p *CashuProvider) CheckStatus(ctx context.Context, quoteID string) (PaymentStatus, error) {
	quote, err := p.client.MintQuote(ctx, quoteID)
	if err != nil {
		return "", err
	}
	return quoteStatus(quote.EffectiveState()), nil
}

// ClaimToken mints the quote's amount and returns the encoded token.
// Permanent mint rejections wrap ErrClaimRejected.
func (p *CashuProvider) ClaimToken(ctx context.Context, quoteID string, amount uint64, unit string) (*ClaimResult, error) {
	token, err := p.claimer.Claim(ctx, quoteID, amount, unit)
	if err != nil {
		if cashu.IsPermanent(err) {
			return nil, fmt.Errorf("%w: %w", ErrClaimRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	// The mint has already signed; fall back to the JSON format rather
	// than lose the proofs.
	encoded, err := token.Encode()
	if err != nil {
		p.logger.Error("encoding claimed token failed, falling back to cashuA",
			"quote_id", quoteID,
			"proofs", len(token.Proofs),
			"amount", token.Amount(),
			"error", err,
		)
		if encoded, err = token.EncodeV3(); err != nil {
			p.logger.Error("claimed proofs could not be encoded",
				"quote_id", quoteID,
				"proofs", len(token.Proofs),
				"amount", token.Amount(),
				"error", err,
			)
			return nil, fmt.Errorf("%w: %w", ErrClaimFailed, err)
		}
	}
	return &ClaimResult{Token: encoded, Amount: token.Amount()}, nil
}

// quoteStatus maps mint quote states onto payment states.
func quoteStatus(state string) PaymentStatus {
	switch strings.ToUpper(state) {
	case cashu.QuoteUnpaid, cashu.QuotePending:
		return StatusPending
	case cashu.QuotePaid, cashu.QuoteIssued:
		return StatusPaid
	case cashu.QuoteExpired:
		return StatusExpired
	default:
		return StatusFailed
	}
}
