// Package mintsim is an in-process Cashu mint for tests and local demos.
//
// It holds real secp256k1 keys, one power-of-two keyset per unit, and
// serves the NUT-01/02/04 endpoints with NUT-12 DLEQ proofs on every
// signature, so proofs produced by a claim can be verified
// cryptographically with Verify. Lightning payment is simulated with Pay
// or AutoPay.
package mintsim

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/siddimore/mcp-paywall/internal/clock"
	"github.com/siddimore/mcp-paywall/pkg/cashu"
)

// Error codes the simulator answers with, besides the ones cashu exports.
const (
	codeUnitNotSupported = 11005
	codeAmountMismatch   = 11006
	codeQuoteNotFound    = 20003
	codeBadRequest       = 10000
)

// Config configures a Mint.
type Config struct {
	// Units gets one keyset each. Defaults to ["sat"].
	Units []string

	// Denominations is the number of power-of-two keys per keyset
	// (1, 2, 4, ...). Defaults to 20.
	Denominations int

	// Rand supplies keys, quote ids and DLEQ nonces. Defaults to
	// crypto/rand.Reader. Access is serialized internally.
	Rand io.Reader

	Clock clock.Clock

	// QuoteExpiry defaults to one hour.
	QuoteExpiry time.Duration

	// AutoPay marks every quote paid on its first status check.
	AutoPay bool

	// OmitDLEQ leaves DLEQ proofs out of blind signatures.
	OmitDLEQ bool

	Logger *slog.Logger
}

// Mint is the simulated mint. Safe for concurrent use.
type Mint struct {
	clock       clock.Clock
	quoteExpiry time.Duration
	autoPay     bool
	omitDLEQ    bool
	logger      *slog.Logger

	mu       sync.Mutex
	rand     io.Reader
	byUnit   map[string]*keyset
	byID     map[string]*keyset
	quotes   map[string]*quote
	failures map[string][]injectedFailure

	signCalls atomic.Int64
}

type keyset struct {
	id      string
	unit    string
	private map[uint64]*secp256k1.PrivateKey
	public  map[uint64]*secp256k1.PublicKey
}

type quote struct {
	id      string
	request string
	amount  uint64
	unit    string
	state   string
	expiry  time.Time
}

type injectedFailure struct {
	status int
	err    cashu.MintError
}

// Routes accepted by InjectFailure.
const (
	RouteKeysets     = "keysets"
	RouteKeys        = "keys"
	RouteCreateQuote = "create-quote"
	RouteQuoteStatus = "quote-status"
	RouteMint        = "mint"
)

// New generates keys and returns a Mint.
func New(cfg Config) (*Mint, error) {
	m := &Mint{
		clock:       cfg.Clock,
		quoteExpiry: cfg.QuoteExpiry,
		autoPay:     cfg.AutoPay,
		omitDLEQ:    cfg.OmitDLEQ,
		logger:      cfg.Logger,
		rand:        cfg.Rand,
		byUnit:      make(map[string]*keyset),
		byID:        make(map[string]*keyset),
		quotes:      make(map[string]*quote),
		failures:    make(map[string][]injectedFailure),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.quoteExpiry <= 0 {
		m.quoteExpiry = time.Hour
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.rand == nil {
		m.rand = rand.Reader
	}

	units := cfg.Units
	if len(units) == 0 {
		units = []string{"sat"}
	}
	denominations := cfg.Denominations
	if denominations <= 0 {
		denominations = 20
	}
	if denominations > 63 {
		return nil, errors.New("mintsim: at most 63 denominations")
	}

	for _, unit := range units {
		ks := &keyset{
			unit:    unit,
			private: make(map[uint64]*secp256k1.PrivateKey, denominations),
			public:  make(map[uint64]*secp256k1.PublicKey, denominations),
		}
		for i := 0; i < denominations; i++ {
			amount := uint64(1) << i
			key, err := cashu.RandomScalar(m.rand)
			if err != nil {
				return nil, fmt.Errorf("mintsim: generating key: %w", err)
			}
			ks.private[amount] = key
			ks.public[amount] = key.PubKey()
		}
		ks.id = cashu.DeriveKeysetID(ks.public)
		m.byUnit[unit] = ks
		m.byID[ks.id] = ks
	}
	return m, nil
}

// KeysetID returns the id of the keyset for unit, or "".
func (m *Mint) KeysetID(unit string) string {
	if ks, ok := m.byUnit[unit]; ok {
		return ks.id
	}
	return ""
}

// SignCalls counts POST /v1/mint/bolt11 requests received, accepted or
// not.
func (m *Mint) SignCalls() int64 { return m.signCalls.Load() }

// Pay marks an unpaid quote as paid.
func (m *Mint) Pay(quoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[quoteID]
	if !ok {
		return fmt.Errorf("mintsim: unknown quote %s", quoteID)
	}
	if q.state != cashu.QuoteUnpaid {
		return fmt.Errorf("mintsim: quote %s is %s", quoteID, q.state)
	}
	q.state = cashu.QuotePaid
	m.logger.Info("quote paid", "quote_id", quoteID, "amount", q.amount, "unit", q.unit)
	return nil
}

// QuoteState reports a quote's state, or "" when unknown.
func (m *Mint) QuoteState(quoteID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotes[quoteID]; ok {
		return q.state
	}
	return ""
}

// InjectFailure makes the next times requests to route fail with status
// and a {detail, code} body.
func (m *Mint) InjectFailure(route string, times int, status int, code int, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < times; i++ {
		m.failures[route] = append(m.failures[route], injectedFailure{
			status: status,
			err:    cashu.MintError{Detail: detail, Code: code},
		})
	}
}

// Verify reports whether proof carries a valid signature from this mint.
func (m *Mint) Verify(proof cashu.Proof) bool {
	ks, ok := m.byID[proof.ID]
	if !ok {
		return false
	}
	key, ok := ks.private[proof.Amount]
	if !ok {
		return false
	}
	c, err := cashu.ParsePoint(proof.C)
	if err != nil {
		return false
	}
	return cashu.VerifySignature(key, []byte(proof.Secret), c)
}

// PublicKey returns the key for amount in unit's keyset.
func (m *Mint) PublicKey(unit string, amount uint64) *secp256k1.PublicKey {
	if ks, ok := m.byUnit[unit]; ok {
		return ks.public[amount]
	}
	return nil
}

// Handler serves the mint API plus POST /dev/pay/{quote} for demos.
func (m *Mint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keysets", m.handleKeysets)
	mux.HandleFunc("GET /v1/keys", m.handleKeys)
	mux.HandleFunc("GET /v1/keys/{id}", m.handleKeys)
	mux.HandleFunc("POST /v1/mint/quote/bolt11", m.handleCreateQuote)
	mux.HandleFunc("GET /v1/mint/quote/bolt11/{quote}", m.handleQuoteStatus)
	mux.HandleFunc("POST /v1/mint/bolt11", m.handleMint)
	mux.HandleFunc("POST /dev/pay/{quote}", m.handlePay)
	return mux
}

func (m *Mint) handleKeysets(w http.ResponseWriter, r *http.Request) {
	if m.injected(w, RouteKeysets) {
		return
	}
	resp := cashu.KeysetsResponse{Keysets: []cashu.KeysetInfo{}}
	for _, ks := range m.byUnit {
		resp.Keysets = append(resp.Keysets, cashu.KeysetInfo{ID: ks.id, Unit: ks.unit, Active: true})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Mint) handleKeys(w http.ResponseWriter, r *http.Request) {
	if m.injected(w, RouteKeys) {
		return
	}
	resp := cashu.KeysResponse{Keysets: []cashu.KeysetKeys{}}
	id := r.PathValue("id")
	for _, ks := range m.byUnit {
		if id != "" && ks.id != id {
			continue
		}
		resp.Keysets = append(resp.Keysets, cashu.KeysetKeys{ID: ks.id, Unit: ks.unit, Keys: cashu.KeysToWire(ks.public)})
	}
	if id != "" && len(resp.Keysets) == 0 {
		writeMintError(w, http.StatusBadRequest, cashu.CodeKeysetNotFound, "keyset not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Mint) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	if m.injected(w, RouteCreateQuote) {
		return
	}
	var req cashu.MintQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}
	if req.Amount == 0 {
		writeMintError(w, http.StatusBadRequest, codeBadRequest, "amount must be positive")
		return
	}
	if _, ok := m.byUnit[req.Unit]; !ok {
		writeMintError(w, http.StatusBadRequest, codeUnitNotSupported, "unit not supported")
		return
	}

	m.mu.Lock()
	id, err := m.randomHexLocked(16)
	if err != nil {
		m.mu.Unlock()
		writeMintError(w, http.StatusInternalServerError, codeBadRequest, "randomness unavailable")
		return
	}
	q := &quote{
		id:      id,
		request: fmt.Sprintf("lnbcsim%d1%s", req.Amount, id),
		amount:  req.Amount,
		unit:    req.Unit,
		state:   cashu.QuoteUnpaid,
		expiry:  m.clock.Now().Add(m.quoteExpiry),
	}
	m.quotes[id] = q
	resp := q.wire()
	m.mu.Unlock()

	m.logger.Info("quote created", "quote_id", id, "amount", req.Amount, "unit", req.Unit)
	writeJSON(w, http.StatusOK, resp)
}

func (m *Mint) handleQuoteStatus(w http.ResponseWriter, r *http.Request) {
	if m.injected(w, RouteQuoteStatus) {
		return
	}
	m.mu.Lock()
	q, ok := m.quotes[r.PathValue("quote")]
	if !ok {
		m.mu.Unlock()
		writeMintError(w, http.StatusBadRequest, codeQuoteNotFound, "quote not found")
		return
	}
	if q.state == cashu.QuoteUnpaid {
		switch {
		case m.autoPay:
			q.state = cashu.QuotePaid
		case !m.clock.Now().Before(q.expiry):
			q.state = cashu.QuoteExpired
		}
	}
	resp := q.wire()
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (m *Mint) handleMint(w http.ResponseWriter, r *http.Request) {
	m.signCalls.Add(1)
	if m.injected(w, RouteMint) {
		return
	}
	var req cashu.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[req.Quote]
	if !ok {
		writeMintError(w, http.StatusBadRequest, codeQuoteNotFound, "quote not found")
		return
	}
	switch q.state {
	case cashu.QuotePaid:
	case cashu.QuoteIssued:
		writeMintError(w, http.StatusBadRequest, cashu.CodeTokensAlreadyIssued, "tokens already issued for quote")
		return
	case cashu.QuoteExpired:
		writeMintError(w, http.StatusBadRequest, cashu.CodeQuoteExpired, "quote expired")
		return
	default:
		writeMintError(w, http.StatusBadRequest, cashu.CodeQuoteNotPaid, "quote not paid")
		return
	}

	var total uint64
	signatures := make([]cashu.BlindSignature, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		ks, ok := m.byID[out.ID]
		if !ok || ks.unit != q.unit {
			writeMintError(w, http.StatusBadRequest, cashu.CodeKeysetNotFound, "keyset not found")
			return
		}
		key, ok := ks.private[out.Amount]
		if !ok {
			writeMintError(w, http.StatusBadRequest, codeAmountMismatch, "no key for amount")
			return
		}
		blinded, err := cashu.ParsePoint(out.B)
		if err != nil {
			writeMintError(w, http.StatusBadRequest, codeBadRequest, "invalid blinded message")
			return
		}
		sig, err := m.signLocked(key, blinded)
		if err != nil {
			writeMintError(w, http.StatusInternalServerError, codeBadRequest, err.Error())
			return
		}
		sig.Amount = out.Amount
		sig.ID = out.ID
		signatures = append(signatures, sig)
		total += out.Amount
	}
	if total != q.amount {
		writeMintError(w, http.StatusBadRequest, codeAmountMismatch, "outputs do not match quote amount")
		return
	}

	q.state = cashu.QuoteIssued
	m.logger.Info("quote issued", "quote_id", q.id, "outputs", len(signatures))
	writeJSON(w, http.StatusOK, cashu.MintResponse{Signatures: signatures})
}

func (m *Mint) handlePay(w http.ResponseWriter, r *http.Request) {
	if err := m.Pay(r.PathValue("quote")); err != nil {
		writeMintError(w, http.StatusBadRequest, codeQuoteNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Mint) signLocked(key *secp256k1.PrivateKey, blinded *secp256k1.PublicKey) (cashu.BlindSignature, error) {
	c, err := cashu.SignBlinded(key, blinded)
	if err != nil {
		return cashu.BlindSignature{}, err
	}
	sig := cashu.BlindSignature{C: cashu.EncodePoint(c)}
	if m.omitDLEQ {
		return sig, nil
	}
	nonce, err := cashu.RandomScalar(m.rand)
	if err != nil {
		return cashu.BlindSignature{}, err
	}
	e, s, err := cashu.GenerateDLEQ(key, blinded, c, nonce)
	if err != nil {
		return cashu.BlindSignature{}, err
	}
	sig.DLEQ = &cashu.BlindSignatureDLEQ{E: cashu.EncodeScalar(&e), S: cashu.EncodeScalar(&s)}
	return sig, nil
}

func (m *Mint) injected(w http.ResponseWriter, route string) bool {
	m.mu.Lock()
	queue := m.failures[route]
	if len(queue) == 0 {
		m.mu.Unlock()
		return false
	}
	failure := queue[0]
	m.failures[route] = queue[1:]
	m.mu.Unlock()

	writeMintError(w, failure.status, failure.err.Code, failure.err.Detail)
	return true
}

func (m *Mint) randomHexLocked(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (q *quote) wire() cashu.MintQuote {
	expiry := q.expiry.Unix()
	return cashu.MintQuote{
		Quote:   q.id,
		Request: q.request,
		Amount:  q.amount,
		Unit:    q.unit,
		State:   q.state,
		Expiry:  &expiry,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMintError(w http.ResponseWriter, status, code int, detail string) {
	writeJSON(w, status, cashu.MintError{Detail: detail, Code: code})
}
