package paywall

import (
	"context"
	"time"
)

// PaymentRecord tracks one invoice and the access grant it pays for.
// The access token is allocated up front but only works once IsPaid is
// set, and only until ExpiresAt.
type PaymentRecord struct {
	QuoteID        string     `json:"quoteId"`
	AccessToken    string     `json:"accessToken"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	IsPaid         bool       `json:"isPaid"`
	ClaimedToken   string     `json:"claimedToken,omitempty"`
	UserIdentifier string     `json:"userIdentifier,omitempty"`
	Amount         uint64     `json:"amount"`
	Unit           string     `json:"unit"`
	Provider       string     `json:"provider"`
	ClaimStartedAt *time.Time `json:"claimStartedAt,omitempty"`
	ClaimError     string     `json:"claimError,omitempty"`
}

// IsActive reports whether the record grants access at now.
func (r *PaymentRecord) IsActive(now time.Time) bool {
	return r.IsPaid && now.Before(r.ExpiresAt)
}

// NeedsClaim reports whether a paid record still has a token to fetch.
func (r *PaymentRecord) NeedsClaim() bool {
	return r.IsPaid && r.ClaimedToken == "" && r.ClaimError == ""
}

// Identity is what the gate hands to downstream handlers about the
// caller. UserID is the quote id that paid for access.
type Identity struct {
	UserID         string    `json:"userId"`
	UserIdentifier string    `json:"userIdentifier,omitempty"`
	Provider       string    `json:"provider"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func identityFor(r *PaymentRecord) Identity {
	return Identity{
		UserID:         r.QuoteID,
		UserIdentifier: r.UserIdentifier,
		Provider:       r.Provider,
		ExpiresAt:      r.ExpiresAt,
	}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by the gate, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
