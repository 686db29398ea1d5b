// Package trust issues and verifies trust tokens: signed records proving
// that a piece of sanitized content was derived from a given original under
// a given rule set.
//
// Content digests are domain-separated BLAKE3 hashes. The signature is a
// BLAKE3 keyed hash, under a key derived from the configured secret, over
// the deterministic CBOR encoding of
//
//	(contentHash, originalHash, sanitizationVersion, rulesApplied, timestamp, expiresAt, nonce)
//
// Verification reports Malformed, SignatureMismatch or Expired, checked in
// that order.
package trust
