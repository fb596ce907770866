package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// TokenPrefix marks a V4 token: CBOR, base64url without padding.
const TokenPrefix = "cashuB"

// TokenPrefixV3 marks the older JSON token format.
const TokenPrefixV3 = "cashuA"

// Proof is one spendable e-cash note: the secret, the unblinded
// signature C and the keyset that signed it.
type Proof struct {
	Amount  uint64     `json:"amount"`
	ID      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	DLEQ    *ProofDLEQ `json:"dleq,omitempty"`
	Witness string     `json:"witness,omitempty"`
}

// ProofDLEQ carries a DLEQ proof with the blinding factor r so a
// recipient can re-verify the signature offline. All fields are hex.
type ProofDLEQ struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r"`
}

// Token bundles proofs from a single mint and unit.
type Token struct {
	Mint   string  `json:"mint"`
	Unit   string  `json:"unit"`
	Memo   string  `json:"memo,omitempty"`
	Proofs []Proof `json:"proofs"`
}

// Amount sums the proof amounts.
func (t *Token) Amount() uint64 {
	var total uint64
	for _, p := range t.Proofs {
		total += p.Amount
	}
	return total
}

var (
	tokenEncMode cbor.EncMode
	tokenDecMode cbor.DecMode
)

func init() {
	var err error
	tokenEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cashu: CBOR encoder initialization failed: " + err.Error())
	}
	tokenDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cashu: CBOR decoder initialization failed: " + err.Error())
	}
}

type tokenV4 struct {
	Mint    string         `cbor:"m"`
	Unit    string         `cbor:"u"`
	Memo    string         `cbor:"d,omitempty"`
	Entries []tokenV4Entry `cbor:"t"`
}

type tokenV4Entry struct {
	KeysetID []byte    `cbor:"i"`
	Proofs   []proofV4 `cbor:"p"`
}

type proofV4 struct {
	Amount  uint64  `cbor:"a"`
	Secret  string  `cbor:"s"`
	C       []byte  `cbor:"c"`
	DLEQ    *dleqV4 `cbor:"d,omitempty"`
	Witness string  `cbor:"w,omitempty"`
}

type dleqV4 struct {
	E []byte `cbor:"e"`
	S []byte `cbor:"s"`
	R []byte `cbor:"r"`
}

// Encode serializes the token as a cashuB string. Proofs are grouped by
// keyset in first-seen order.
func (t *Token) Encode() (string, error) {
	if t.Mint == "" || t.Unit == "" {
		return "", fmt.Errorf("%w: mint and unit are required", ErrInvalidToken)
	}
	if len(t.Proofs) == 0 {
		return "", fmt.Errorf("%w: no proofs", ErrInvalidToken)
	}

	wire := tokenV4{Mint: t.Mint, Unit: t.Unit, Memo: t.Memo}
	index := make(map[string]int)
	for _, p := range t.Proofs {
		encoded, err := p.toWire()
		if err != nil {
			return "", err
		}
		i, ok := index[p.ID]
		if !ok {
			keysetID, err := hex.DecodeString(p.ID)
			if err != nil {
				return "", fmt.Errorf("%w: keyset id %q: %v", ErrInvalidToken, p.ID, err)
			}
			i = len(wire.Entries)
			index[p.ID] = i
			wire.Entries = append(wire.Entries, tokenV4Entry{KeysetID: keysetID})
		}
		wire.Entries[i].Proofs = append(wire.Entries[i].Proofs, encoded)
	}

	data, err := tokenEncMode.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("cashu: encoding token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

type tokenV3 struct {
	Token []tokenV3Entry `json:"token"`
	Unit  string         `json:"unit,omitempty"`
	Memo  string         `json:"memo,omitempty"`
}

type tokenV3Entry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

// EncodeV3 serializes the token as a cashuA string. Unlike Encode it
// carries proof fields as plain strings, so it cannot fail on malformed
// hex.
func (t *Token) EncodeV3() (string, error) {
	if t.Mint == "" || len(t.Proofs) == 0 {
		return "", fmt.Errorf("%w: mint and proofs are required", ErrInvalidToken)
	}
	data, err := json.Marshal(tokenV3{
		Token: []tokenV3Entry{{Mint: t.Mint, Proofs: t.Proofs}},
		Unit:  t.Unit,
		Memo:  t.Memo,
	})
	if err != nil {
		return "", fmt.Errorf("cashu: encoding token: %w", err)
	}
	return TokenPrefixV3 + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a cashuB string, or a single-mint cashuA one.
// Padding is tolerated.
func DecodeToken(encoded string) (*Token, error) {
	encoded = strings.TrimSpace(encoded)
	if payload, ok := strings.CutPrefix(encoded, TokenPrefixV3); ok {
		return decodeTokenV3(payload)
	}
	payload, ok := strings.CutPrefix(encoded, TokenPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidToken, TokenPrefix)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidToken, err)
	}

	var wire tokenV4
	if err := tokenDecMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrInvalidToken, err)
	}

	token := &Token{Mint: wire.Mint, Unit: wire.Unit, Memo: wire.Memo}
	for _, entry := range wire.Entries {
		keysetID := hex.EncodeToString(entry.KeysetID)
		for _, p := range entry.Proofs {
			token.Proofs = append(token.Proofs, p.fromWire(keysetID))
		}
	}
	if token.Mint == "" || len(token.Proofs) == 0 {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return token, nil
}

func decodeTokenV3(payload string) (*Token, error) {
	payload = strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(payload, "="))
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidToken, err)
	}
	var wire tokenV3
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidToken, err)
	}
	if len(wire.Token) != 1 || wire.Token[0].Mint == "" || len(wire.Token[0].Proofs) == 0 {
		return nil, fmt.Errorf("%w: expected one mint with proofs", ErrInvalidToken)
	}
	return &Token{
		Mint:   wire.Token[0].Mint,
		Unit:   wire.Unit,
		Memo:   wire.Memo,
		Proofs: wire.Token[0].Proofs,
	}, nil
}

func (p Proof) toWire() (proofV4, error) {
	c, err := hex.DecodeString(p.C)
	if err != nil {
		return proofV4{}, fmt.Errorf("%w: proof C: %v", ErrInvalidToken, err)
	}
	wire := proofV4{Amount: p.Amount, Secret: p.Secret, C: c, Witness: p.Witness}
	if p.DLEQ != nil {
		var d dleqV4
		for _, field := range []struct {
			dst *[]byte
			src string
		}{{&d.E, p.DLEQ.E}, {&d.S, p.DLEQ.S}, {&d.R, p.DLEQ.R}} {
			if *field.dst, err = hex.DecodeString(field.src); err != nil {
				return proofV4{}, fmt.Errorf("%w: proof DLEQ: %v", ErrInvalidToken, err)
			}
		}
		wire.DLEQ = &d
	}
	return wire, nil
}

func (p proofV4) fromWire(keysetID string) Proof {
	proof := Proof{
		Amount:  p.Amount,
		ID:      keysetID,
		Secret:  p.Secret,
		C:       hex.EncodeToString(p.C),
		Witness: p.Witness,
	}
	if p.DLEQ != nil {
		proof.DLEQ = &ProofDLEQ{
			E: hex.EncodeToString(p.DLEQ.E),
			S: hex.EncodeToString(p.DLEQ.S),
			R: hex.EncodeToString(p.DLEQ.R),
		}
	}
	return proof
}
