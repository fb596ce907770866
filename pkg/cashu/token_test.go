package cashu

import (
	"errors"
	"strings"
	"testing"
)

func sampleToken() *Token {
	return &Token{
		Mint: "https://mint.example.com",
		Unit: "sat",
		Memo: "MCP Paywall Token",
		Proofs: []Proof{
			{
				Amount: 8,
				ID:     "00ad268c4d1f5826",
				Secret: "acc12435e7b8484c3cf1850149218af90f716a52bf4a5ed347e48ecc13f77388",
				C:      "0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf",
			},
			{
				Amount: 2,
				ID:     "00ad268c4d1f5826",
				Secret: "1323d3d4707a58ad2e23ada4e9f1f49f5a5b4ac7b708eb0d61f738f48307e8ee",
				C:      "023456aa110d84b4ac747aebd82c3b005aca50bf457ebd5737a4414fac3ae7d94d",
				DLEQ: &ProofDLEQ{
					E: "b31e58ac6527f34975ffab13e70a48b6d2b0d35abc4b03f0151f09ee1a9763d4",
					S: "8fbae004c59e754d71df67e392b6ae4e29293113ddc2ec86592a0431d16306d8",
					R: "a6d13fcd7a18442e6076f5e1e7c887ad5de40a019824bdfa9fe740d302e8d861",
				},
			},
			{
				Amount: 1,
				ID:     "0099aa",
				Secret: "56bcbcbb7cc6406b3fa5d57d2174f4eff8b4402b176926d3a57d3c3dcbb59d57",
				C:      "0273129c5719e599379a974a626363c333c56cafc0e6d01abe46d5808280789c63",
			},
		},
	}
}

func TestTokenEncodeDecode(t *testing.T) {
	token := sampleToken()
	encoded, err := token.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(encoded, "cashuB") {
		t.Fatalf("Expected cashuB prefix, got %q", encoded[:10])
	}
	if strings.ContainsAny(encoded, "=+/") {
		t.Error("Token must be unpadded base64url")
	}

	decoded, err := DecodeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.Mint != token.Mint || decoded.Unit != token.Unit || decoded.Memo != token.Memo {
		t.Errorf("Header mismatch: %+v", decoded)
	}
	if decoded.Amount() != 11 {
		t.Errorf("Expected amount 11, got %d", decoded.Amount())
	}
	if len(decoded.Proofs) != 3 {
		t.Fatalf("Expected 3 proofs, got %d", len(decoded.Proofs))
	}
	for i, p := range decoded.Proofs {
		want := token.Proofs[i]
		if p.ID != want.ID || p.Secret != want.Secret || p.C != want.C || p.Amount != want.Amount {
			t.Errorf("Proof %d mismatch: got %+v, want %+v", i, p, want)
		}
	}
	if decoded.Proofs[1].DLEQ == nil || *decoded.Proofs[1].DLEQ != *token.Proofs[1].DLEQ {
		t.Errorf("DLEQ not preserved: %+v", decoded.Proofs[1].DLEQ)
	}
}

func TestTokenEncodeRejectsIncomplete(t *testing.T) {
	if _, err := (&Token{Unit: "sat", Proofs: sampleToken().Proofs}).Encode(); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken without mint, got %v", err)
	}
	if _, err := (&Token{Mint: "https://m", Unit: "sat"}).Encode(); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken without proofs, got %v", err)
	}
	bad := sampleToken()
	bad.Proofs[0].ID = "not-hex"
	if _, err := bad.Encode(); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for non-hex keyset id, got %v", err)
	}
}

func TestTokenV3FallbackKeepsProofs(t *testing.T) {
	token := sampleToken()
	token.Proofs[0].C = "not-hex"
	if _, err := token.Encode(); err == nil {
		t.Fatal("Expected Encode to reject a non-hex signature")
	}

	encoded, err := token.EncodeV3()
	if err != nil {
		t.Fatalf("EncodeV3: %v", err)
	}
	if !strings.HasPrefix(encoded, TokenPrefixV3) {
		t.Fatalf("Expected cashuA prefix, got %q", encoded[:10])
	}
	decoded, err := DecodeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.Mint != token.Mint || decoded.Unit != "sat" || decoded.Amount() != 11 {
		t.Errorf("Unexpected decoded token: %+v", decoded)
	}
	if decoded.Proofs[0].C != "not-hex" || *decoded.Proofs[1].DLEQ != *token.Proofs[1].DLEQ {
		t.Errorf("Proofs not preserved: %+v", decoded.Proofs)
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "cashuA" + "eyJ0b2tlbiI6W119", "cashuB!!!", "cashuBoWFt"} {
		if _, err := DecodeToken(input); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("DecodeToken(%q): expected ErrInvalidToken, got %v", input, err)
		}
	}
}
