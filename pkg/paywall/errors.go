package paywall

import "errors"

var (
	// ErrInvoiceCreationFailed wraps any provider failure while issuing
	// an invoice.
	ErrInvoiceCreationFailed = errors.New("paywall: invoice creation failed")

	// ErrPaymentCheckFailed wraps a provider failure while checking a
	// quote. CheckPayment reports it as state FAILED rather than
	// returning it.
	ErrPaymentCheckFailed = errors.New("paywall: payment check failed")

	// ErrClaimFailed is a claim failure that may succeed on retry.
	ErrClaimFailed = errors.New("paywall: claim failed")

	// ErrClaimRejected is a claim failure the mint will never accept.
	ErrClaimRejected = errors.New("paywall: claim rejected")

	ErrUnauthorized     = errors.New("paywall: unauthorized")
	ErrNotFound         = errors.New("paywall: not found")
	ErrValidationFailed = errors.New("paywall: validation failed")

	// ErrDuplicate is returned by Store.Insert for a quote id or access
	// token that already exists.
	ErrDuplicate = errors.New("paywall: duplicate record")

	// ErrRateLimited is returned when a caller creates invoices too fast.
	ErrRateLimited = errors.New("paywall: rate limited")
)
