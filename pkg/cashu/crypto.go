package cashu

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domainSeparator prefixes every hash-to-curve input.
const domainSeparator = "Secp256k1_HashToCurve_Cashu_"

var errPointAtInfinity = errors.New("cashu: point at infinity")

// HashToCurve deterministically maps message to a secp256k1 point Y.
// The message is hashed with the domain separator; the first counter
// whose SHA256(hash || counter) is a valid x-coordinate (with even y)
// gives the point.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(domainSeparator), message...))

	var counter [4]byte
	candidate := make([]byte, 33)
	candidate[0] = 0x02
	for i := uint32(0); i < 1<<16; i++ {
		binary.LittleEndian.PutUint32(counter[:], i)
		h := sha256.New()
		h.Write(msgHash[:])
		h.Write(counter[:])
		copy(candidate[1:], h.Sum(nil))
		if point, err := secp256k1.ParsePubKey(candidate); err == nil {
			return point, nil
		}
	}
	return nil, errors.New("cashu: no curve point found for message")
}

// BlindMessage computes B' = Y + r·G where Y = HashToCurve(secret).
func BlindMessage(secret []byte, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	y, err := HashToCurve(secret)
	if err != nil {
		return nil, err
	}
	var yJ, rG, sum secp256k1.JacobianPoint
	y.AsJacobian(&yJ)
	secp256k1.ScalarBaseMultNonConst(&r.Key, &rG)
	secp256k1.AddNonConst(&yJ, &rG, &sum)
	return toPublicKey(&sum)
}

// SignBlinded computes C' = k·B'. This is the mint's half of the
// protocol.
func SignBlinded(k *secp256k1.PrivateKey, blinded *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var bJ, product secp256k1.JacobianPoint
	blinded.AsJacobian(&bJ)
	secp256k1.ScalarMultNonConst(&k.Key, &bJ, &product)
	return toPublicKey(&product)
}

// UnblindSignature computes C = C' − r·K.
func UnblindSignature(blindSig, mintKey *secp256k1.PublicKey, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	var negR secp256k1.ModNScalar
	negR.Set(&r.Key).Negate()

	var cJ, kJ, rK, result secp256k1.JacobianPoint
	blindSig.AsJacobian(&cJ)
	mintKey.AsJacobian(&kJ)
	secp256k1.ScalarMultNonConst(&negR, &kJ, &rK)
	secp256k1.AddNonConst(&cJ, &rK, &result)
	return toPublicKey(&result)
}

// VerifySignature checks C == k·HashToCurve(secret). Only the holder of
// k (the mint) can run it.
func VerifySignature(k *secp256k1.PrivateKey, secret []byte, c *secp256k1.PublicKey) bool {
	y, err := HashToCurve(secret)
	if err != nil {
		return false
	}
	expected, err := SignBlinded(k, y)
	if err != nil {
		return false
	}
	return expected.IsEqual(c)
}

// GenerateDLEQ proves that blindSig = a·blinded for the key a whose public
// point is A, without revealing a. nonce must be fresh per proof.
func GenerateDLEQ(a *secp256k1.PrivateKey, blinded, blindSig *secp256k1.PublicKey, nonce *secp256k1.PrivateKey) (e, s secp256k1.ModNScalar, err error) {
	var bJ, r1J, r2J secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&nonce.Key, &r1J)
	blinded.AsJacobian(&bJ)
	secp256k1.ScalarMultNonConst(&nonce.Key, &bJ, &r2J)

	r1, err := toPublicKey(&r1J)
	if err != nil {
		return e, s, err
	}
	r2, err := toPublicKey(&r2J)
	if err != nil {
		return e, s, err
	}

	e = challenge(r1, r2, a.PubKey(), blindSig)
	s.Mul2(&e, &a.Key).Add(&nonce.Key)
	return e, s, nil
}

// VerifyDLEQ checks a blind-signature DLEQ proof (e, s) for mint key A,
// blinded message B' and blind signature C':
//
//	R1 = s·G − e·A
//	R2 = s·B' − e·C'
//	e == hash(R1, R2, A, C')
func VerifyDLEQ(e, s *secp256k1.ModNScalar, mintKey, blinded, blindSig *secp256k1.PublicKey) bool {
	var negE secp256k1.ModNScalar
	negE.Set(e).Negate()

	var aJ, bJ, cJ secp256k1.JacobianPoint
	mintKey.AsJacobian(&aJ)
	blinded.AsJacobian(&bJ)
	blindSig.AsJacobian(&cJ)

	var sG, eA, r1J secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &sG)
	secp256k1.ScalarMultNonConst(&negE, &aJ, &eA)
	secp256k1.AddNonConst(&sG, &eA, &r1J)

	var sB, eC, r2J secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(s, &bJ, &sB)
	secp256k1.ScalarMultNonConst(&negE, &cJ, &eC)
	secp256k1.AddNonConst(&sB, &eC, &r2J)

	r1, err := toPublicKey(&r1J)
	if err != nil {
		return false
	}
	r2, err := toPublicKey(&r2J)
	if err != nil {
		return false
	}

	expected := challenge(r1, r2, mintKey, blindSig)
	return expected.Equals(e)
}

// VerifyProofDLEQ checks the DLEQ carried inside a proof. The holder
// reconstructs B' = Y + r·G and C' = C + r·A from the unblinded proof and
// the blinding factor r, then verifies as for a blind signature.
func VerifyProofDLEQ(e, s *secp256k1.ModNScalar, r *secp256k1.PrivateKey, mintKey *secp256k1.PublicKey, secret []byte, c *secp256k1.PublicKey) bool {
	blinded, err := BlindMessage(secret, r)
	if err != nil {
		return false
	}

	var cJ, aJ, rA, sum secp256k1.JacobianPoint
	c.AsJacobian(&cJ)
	mintKey.AsJacobian(&aJ)
	secp256k1.ScalarMultNonConst(&r.Key, &aJ, &rA)
	secp256k1.AddNonConst(&cJ, &rA, &sum)
	blindSig, err := toPublicKey(&sum)
	if err != nil {
		return false
	}
	return VerifyDLEQ(e, s, mintKey, blinded, blindSig)
}

// RandomScalar draws a non-zero scalar below the group order from rand.
func RandomScalar(rand io.Reader) (*secp256k1.PrivateKey, error) {
	var buf [32]byte
	defer clear(buf[:])
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, fmt.Errorf("cashu: reading randomness: %w", err)
		}
		var k secp256k1.ModNScalar
		if overflow := k.SetByteSlice(buf[:]); overflow || k.IsZero() {
			continue
		}
		return secp256k1.NewPrivateKey(&k), nil
	}
}

// ParsePoint decodes a hex-encoded compressed point.
func ParsePoint(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cashu: decoding point: %w", err)
	}
	point, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("cashu: parsing point: %w", err)
	}
	return point, nil
}

// EncodePoint hex-encodes a point in compressed form.
func EncodePoint(p *secp256k1.PublicKey) string {
	return hex.EncodeToString(p.SerializeCompressed())
}

// ParseScalar decodes a 32-byte big-endian hex scalar, rejecting values
// not below the group order.
func ParseScalar(s string) (*secp256k1.ModNScalar, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cashu: decoding scalar: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("cashu: scalar must be 32 bytes, got %d", len(raw))
	}
	var k secp256k1.ModNScalar
	if k.SetByteSlice(raw) {
		return nil, errors.New("cashu: scalar overflows group order")
	}
	return &k, nil
}

// EncodeScalar hex-encodes a scalar as 32 big-endian bytes.
func EncodeScalar(k *secp256k1.ModNScalar) string {
	b := k.Bytes()
	return hex.EncodeToString(b[:])
}

// challenge is the DLEQ hash: SHA256 over the concatenated hex strings of
// the uncompressed points.
func challenge(points ...*secp256k1.PublicKey) secp256k1.ModNScalar {
	h := sha256.New()
	for _, p := range points {
		io.WriteString(h, hex.EncodeToString(p.SerializeUncompressed()))
	}
	var e secp256k1.ModNScalar
	e.SetByteSlice(h.Sum(nil))
	return e
}

func toPublicKey(p *secp256k1.JacobianPoint) (*secp256k1.PublicKey, error) {
	p.X.Normalize()
	p.Y.Normalize()
	p.Z.Normalize()
	if p.Z.IsZero() || (p.X.IsZero() && p.Y.IsZero()) {
		return nil, errPointAtInfinity
	}
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y), nil
}
