package paywall

import (
	"context"
	"time"
)

// PaymentStatus is the state of a payment as seen by callers of
// CheckPayment.
type PaymentStatus string

const (
	StatusPending  PaymentStatus = "PENDING"
	StatusPaid     PaymentStatus = "PAID"
	StatusExpired  PaymentStatus = "EXPIRED"
	StatusFailed   PaymentStatus = "FAILED"
	StatusNotFound PaymentStatus = "NOT_FOUND"
)

// Invoice is what a provider returns for a new payment request.
type Invoice struct {
	QuoteID        string
	PaymentRequest string
	Amount         uint64
	Unit           string
	ExpiresAt      *time.Time
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	// Token is the encoded e-cash token to store with the record.
	Token  string
	Amount uint64
}

// PaymentProvider issues invoices, reports their status and redeems
// paid ones. One implementation exists per payment backend.
type PaymentProvider interface {
	// Name tags records created through this provider.
	Name() string

	// CreateInvoice requests a payable invoice. An unsupported unit
	// should be reported with ErrValidationFailed.
	CreateInvoice(ctx context.Context, amount uint64, unit, description string) (*Invoice, error)

	// CheckStatus reports the quote's current state. It must not
	// return StatusNotFound; unknown quotes are an error.
	CheckStatus(ctx context.Context, quoteID string) (PaymentStatus, error)

	// ClaimsTokens reports whether ClaimToken should be called for paid
	// quotes at all.
	ClaimsTokens() bool

	// ClaimToken redeems a paid quote. Errors wrapping
	// ErrClaimRejected are permanent; all others may be retried.
	ClaimToken(ctx context.Context, quoteID string, amount uint64, unit string) (*ClaimResult, error)
}
