package trust

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/glimte/agentmsg/contracts"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// token fields always produce the same signing bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("trust: CBOR encoder initialization failed: " + err.Error())
	}
}

// signingTuple is the exact field set covered by the signature. It encodes
// as a CBOR array, so field order here is part of the format.
type signingTuple struct {
	_                   struct{} `cbor:",toarray"`
	ContentHash         string
	OriginalHash        string
	SanitizationVersion string
	RulesApplied        []string
	Timestamp           int64 // unix nanoseconds
	ExpiresAt           int64 // unix nanoseconds
	Nonce               string
}

func canonicalBytes(t *contracts.TrustToken) ([]byte, error) {
	rules := t.RulesApplied
	if rules == nil {
		rules = []string{}
	}
	return encMode.Marshal(signingTuple{
		ContentHash:         t.ContentHash,
		OriginalHash:        t.OriginalHash,
		SanitizationVersion: t.SanitizationVersion,
		RulesApplied:        rules,
		Timestamp:           t.Timestamp.UnixNano(),
		ExpiresAt:           t.ExpiresAt.UnixNano(),
		Nonce:               t.Nonce,
	})
}
