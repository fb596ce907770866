package cashu

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoKeyset means the mint has no active keyset for the requested
	// unit, or the keyset has no key for a required denomination.
	ErrNoKeyset = errors.New("cashu: no active keyset")

	// ErrInvalidAmount means an amount cannot be expressed with the
	// keyset's denominations (including zero).
	ErrInvalidAmount = errors.New("cashu: invalid amount")

	// ErrInvalidDLEQ means a blind signature came with a DLEQ proof that
	// does not verify against the mint key.
	ErrInvalidDLEQ = errors.New("cashu: invalid DLEQ proof")

	// ErrMalformedResponse means the mint answered 2xx with a body that
	// does not match the protocol.
	ErrMalformedResponse = errors.New("cashu: malformed mint response")

	// ErrInvalidToken is returned by DecodeToken.
	ErrInvalidToken = errors.New("cashu: invalid token")
)

// MintError is the error body a mint returns for a rejected request
// ({"detail": ..., "code": ...}) together with the HTTP status.
type MintError struct {
	Detail     string `json:"detail"`
	Code       int    `json:"code"`
	StatusCode int    `json:"-"`
}

func (e *MintError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("cashu: mint error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("cashu: mint error (HTTP %d): %s", e.StatusCode, e.Detail)
}

// Transient reports whether the mint asked us to come back later.
func (e *MintError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsPermanent reports whether err is a rejection that will not change on
// retry: a 4xx mint error, a missing keyset, an impossible amount, a bad
// DLEQ proof, or a response that violates the protocol. Network errors,
// timeouts, 429 and 5xx are not permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return !mintErr.Transient()
	}
	return errors.Is(err, ErrNoKeyset) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDLEQ) ||
		errors.Is(err, ErrMalformedResponse)
}

// IsMintError reports whether err carries a MintError with the given
// protocol code.
func IsMintError(err error, code int) bool {
	var mintErr *MintError
	return errors.As(err, &mintErr) && mintErr.Code == code
}
