package cashu

// Mint quote states reported by NUT-04.
const (
	QuoteUnpaid  = "UNPAID"
	QuotePending = "PENDING"
	QuotePaid    = "PAID"
	QuoteIssued  = "ISSUED"
	QuoteExpired = "EXPIRED"
)

// MintQuoteRequest is the body of POST /v1/mint/quote/bolt11.
type MintQuoteRequest struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
}

// MintQuote is a mint quote as returned on creation and on status checks.
// Older mints report Paid instead of State.
type MintQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	State   string `json:"state"`
	Expiry  *int64 `json:"expiry"`
	Paid    *bool  `json:"paid,omitempty"`
}

// EffectiveState returns State, falling back to the legacy paid flag.
func (q *MintQuote) EffectiveState() string {
	if q.State != "" {
		return q.State
	}
	if q.Paid != nil {
		if *q.Paid {
			return QuotePaid
		}
		return QuoteUnpaid
	}
	return ""
}

// KeysetInfo is an entry of GET /v1/keysets.
type KeysetInfo struct {
	ID          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePPK uint64 `json:"input_fee_ppk,omitempty"`
}

// KeysetsResponse is the body of GET /v1/keysets.
type KeysetsResponse struct {
	Keysets []KeysetInfo `json:"keysets"`
}

// KeysResponse is the body of GET /v1/keys and GET /v1/keys/{id}.
type KeysResponse struct {
	Keysets []KeysetKeys `json:"keysets"`
}

// KeysetKeys maps decimal amounts to hex compressed points.
type KeysetKeys struct {
	ID   string            `json:"id"`
	Unit string            `json:"unit"`
	Keys map[string]string `json:"keys"`
}

// BlindedMessage is one output sent to the mint for signing.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B      string `json:"B_"`
}

// BlindSignature is the mint's signature C' over a blinded message.
type BlindSignature struct {
	Amount uint64              `json:"amount"`
	ID     string              `json:"id"`
	C      string              `json:"C_"`
	DLEQ   *BlindSignatureDLEQ `json:"dleq,omitempty"`
}

// BlindSignatureDLEQ is the mint's proof that C' was made with the
// published key. Hex scalars.
type BlindSignatureDLEQ struct {
	E string `json:"e"`
	S string `json:"s"`
}

// MintRequest is the body of POST /v1/mint/bolt11.
type MintRequest struct {
	Quote   string           `json:"quote"`
	Outputs []BlindedMessage `json:"outputs"`
}

// MintResponse is the reply to MintRequest.
type MintResponse struct {
	Signatures []BlindSignature `json:"signatures"`
}

// Protocol error codes used by mints in MintError.Code.
const (
	CodeQuoteNotPaid        = 20001
	CodeTokensAlreadyIssued = 20002
	CodeQuoteExpired        = 20007
	CodeKeysetNotFound      = 12001
	CodeKeysetInactive      = 12002
	CodeOutputsPending      = 11001
)
