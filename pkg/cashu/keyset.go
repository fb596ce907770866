package cashu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Keyset is a mint's set of public keys for one unit, one key per
// denomination.
type Keyset struct {
	ID     string
	Unit   string
	Active bool
	Keys   map[uint64]*secp256k1.PublicKey
}

// Denominations returns the keyset's amounts in ascending order.
func (k *Keyset) Denominations() []uint64 {
	amounts := make([]uint64, 0, len(k.Keys))
	for amount := range k.Keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)
	return amounts
}

// Key returns the public key for amount or ErrNoKeyset.
func (k *Keyset) Key(amount uint64) (*secp256k1.PublicKey, error) {
	key, ok := k.Keys[amount]
	if !ok {
		return nil, fmt.Errorf("%w: keyset %s has no key for amount %d", ErrNoKeyset, k.ID, amount)
	}
	return key, nil
}

// DeriveKeysetID computes the version-00 keyset identifier: "00"
// followed by the first 14 hex characters of SHA256 over the compressed
// public keys concatenated in ascending amount order.
func DeriveKeysetID(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	h := sha256.New()
	for _, amount := range amounts {
		h.Write(keys[amount].SerializeCompressed())
	}
	return "00" + hex.EncodeToString(h.Sum(nil))[:14]
}

// KeysetFromWire builds a Keyset from the JSON key map a mint publishes,
// where each entry maps a decimal amount to a hex compressed point.
func KeysetFromWire(id, unit string, active bool, keys map[string]string) (*Keyset, error) {
	keyset := &Keyset{
		ID:     id,
		Unit:   unit,
		Active: active,
		Keys:   make(map[uint64]*secp256k1.PublicKey, len(keys)),
	}
	for amountText, pointHex := range keys {
		amount, err := strconv.ParseUint(amountText, 10, 64)
		if err != nil || amount == 0 {
			return nil, fmt.Errorf("%w: keyset %s has invalid amount %q", ErrMalformedResponse, id, amountText)
		}
		point, err := ParsePoint(pointHex)
		if err != nil {
			return nil, fmt.Errorf("%w: keyset %s amount %d: %v", ErrMalformedResponse, id, amount, err)
		}
		keyset.Keys[amount] = point
	}
	if len(keyset.Keys) == 0 {
		return nil, fmt.Errorf("%w: keyset %s has no keys", ErrNoKeyset, id)
	}
	return keyset, nil
}

// KeysToWire renders keys in the JSON form mints publish.
func KeysToWire(keys map[uint64]*secp256k1.PublicKey) map[string]string {
	wire := make(map[string]string, len(keys))
	for amount, key := range keys {
		wire[strconv.FormatUint(amount, 10)] = EncodePoint(key)
	}
	return wire
}
