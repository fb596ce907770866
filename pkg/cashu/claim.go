package cashu

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// Minter is the part of the mint API the claim protocol needs. *Client
// implements it.
type Minter interface {
	MintURL() string
	Keyset(ctx context.Context, unit string) (*Keyset, error)
	Mint(ctx context.Context, req MintRequest) (*MintResponse, error)
}

// ClaimerConfig configures a Claimer.
type ClaimerConfig struct {
	Mint Minter

	// Rand supplies secrets and blinding factors. Defaults to
	// crypto/rand.Reader.
	Rand io.Reader

	// Memo is embedded in every token.
	Memo string

	Logger *slog.Logger
}

// Claimer turns a paid mint quote into a spendable token: it splits the
// amount into denominations, blinds one fresh secret per output, asks the
// mint to sign, verifies and unblinds the signatures, and encodes the
// resulting proofs.
type Claimer struct {
	mint   Minter
	randMu sync.Mutex
	rand   io.Reader
	memo   string
	logger *slog.Logger
}

// NewClaimer returns a Claimer.
func NewClaimer(cfg ClaimerConfig) (*Claimer, error) {
	if cfg.Mint == nil {
		return nil, errors.New("cashu: claimer requires a Mint")
	}
	c := &Claimer{mint: cfg.Mint, rand: cfg.Rand, memo: cfg.Memo, logger: cfg.Logger}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// newSecret draws a fresh secret and blinding factor. The reader is
// shared by concurrent claims.
func (c *Claimer) newSecret() (string, *secp256k1.PrivateKey, error) {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	secretID, err := uuid.NewRandomFromReader(c.rand)
	if err != nil {
		return "", nil, fmt.Errorf("cashu: generating secret: %w", err)
	}
	r, err := RandomScalar(c.rand)
	if err != nil {
		return "", nil, err
	}
	return secretID.String(), r, nil
}

type pendingOutput struct {
	secret  string
	r       *secp256k1.PrivateKey
	blinded *secp256k1.PublicKey
	key     *secp256k1.PublicKey
}

// Claim mints amount units for the paid quote. Errors satisfying
// IsPermanent will not succeed on retry; anything else may.
func (c *Claimer) Claim(ctx context.Context, quoteID string, amount uint64, unit string) (*Token, error) {
	keyset, err := c.mint.Keyset(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("cashu: loading keyset for %s: %w", unit, err)
	}

	parts, err := SplitAmount(amount, keyset.Denominations())
	if err != nil {
		return nil, err
	}

	pending := make([]pendingOutput, len(parts))
	outputs := make([]BlindedMessage, len(parts))
	for i, part := range parts {
		key, err := keyset.Key(part)
		if err != nil {
			return nil, err
		}
		secret, r, err := c.newSecret()
		if err != nil {
			return nil, err
		}
		blinded, err := BlindMessage([]byte(secret), r)
		if err != nil {
			return nil, fmt.Errorf("cashu: blinding output %d: %w", i, err)
		}

		pending[i] = pendingOutput{secret: secret, r: r, blinded: blinded, key: key}
		outputs[i] = BlindedMessage{Amount: part, ID: keyset.ID, B: EncodePoint(blinded)}
	}

	resp, err := c.mint.Mint(ctx, MintRequest{Quote: quoteID, Outputs: outputs})
	if err != nil {
		return nil, fmt.Errorf("cashu: minting quote %s: %w", quoteID, err)
	}
	if len(resp.Signatures) != len(outputs) {
		return nil, fmt.Errorf("%w: %d signatures for %d outputs", ErrMalformedResponse, len(resp.Signatures), len(outputs))
	}

	proofs := make([]Proof, len(outputs))
	for i, sig := range resp.Signatures {
		proof, err := c.unblind(pending[i], outputs[i], sig)
		if err != nil {
			return nil, fmt.Errorf("cashu: output %d: %w", i, err)
		}
		proofs[i] = proof
	}

	c.logger.Info("claimed token from mint",
		"quote_id", quoteID,
		"amount", amount,
		"unit", unit,
		"keyset_id", keyset.ID,
		"proofs", len(proofs),
	)

	return &Token{Mint: c.mint.MintURL(), Unit: unit, Memo: c.memo, Proofs: proofs}, nil
}

func (c *Claimer) unblind(out pendingOutput, msg BlindedMessage, sig BlindSignature) (Proof, error) {
	if sig.Amount != msg.Amount || sig.ID != msg.ID {
		return Proof{}, fmt.Errorf("%w: signature (%d, %s) does not match output (%d, %s)",
			ErrMalformedResponse, sig.Amount, sig.ID, msg.Amount, msg.ID)
	}
	blindSig, err := ParsePoint(sig.C)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var dleq *ProofDLEQ
	if sig.DLEQ != nil {
		e, errE := ParseScalar(sig.DLEQ.E)
		s, errS := ParseScalar(sig.DLEQ.S)
		if errE != nil || errS != nil {
			return Proof{}, fmt.Errorf("%w: unparseable scalars", ErrInvalidDLEQ)
		}
		if !VerifyDLEQ(e, s, out.key, out.blinded, blindSig) {
			return Proof{}, ErrInvalidDLEQ
		}
		dleq = &ProofDLEQ{E: sig.DLEQ.E, S: sig.DLEQ.S, R: EncodeScalar(&out.r.Key)}
	}

	c2, err := UnblindSignature(blindSig, out.key, out.r)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return Proof{
		Amount: msg.Amount,
		ID:     msg.ID,
		Secret: out.secret,
		C:      EncodePoint(c2),
		DLEQ:   dleq,
	}, nil
}
