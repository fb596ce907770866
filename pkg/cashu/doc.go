// Package cashu implements the client side of the Cashu e-cash protocol
// needed to turn a paid Lightning mint quote into a spendable token.
//
// It covers blind Diffie-Hellman key exchange on secp256k1 (NUT-00),
// keyset discovery (NUT-01/02), minting (NUT-04), DLEQ verification
// (NUT-12) and the cashuB V4 token encoding.
//
// A claim runs in four steps:
//
//	keyset, _ := client.Keyset(ctx, "sat")     // active keys for the unit
//	parts, _ := cashu.SplitAmount(10, keyset.Denominations())  // [8 2]
//	// per part: secret x, blinding r, B' = HashToCurve(x) + r·G
//	// mint signs C' = k·B'; holder unblinds C = C' − r·K
//
// Claimer performs all of it; Client is the HTTP transport.
package cashu
