package contracts

import (
	"fmt"
	"time"
)

// TrustToken is a signed provenance record binding sanitized content to the
// original input and the rules that transformed it. Hashes, signature and
// nonce are lowercase hex strings.
type TrustToken struct {
	ContentHash         string    `json:"contentHash"`
	OriginalHash        string    `json:"originalHash"`
	SanitizationVersion string    `json:"sanitizationVersion"`
	RulesApplied        []string  `json:"rulesApplied"`
	Timestamp           time.Time `json:"timestamp"`
	ExpiresAt           time.Time `json:"expiresAt"`
	Signature           string    `json:"signature"`
	Nonce               string    `json:"nonce"`
}

// Clone returns a deep copy of the token
func (t *TrustToken) Clone() *TrustToken {
	c := *t
	c.RulesApplied = append([]string(nil), t.RulesApplied...)
	return &c
}

// CheckFields reports the first required field that is absent or inconsistent.
// The returned error wraps ErrMalformedToken.
func (t *TrustToken) CheckFields() error {
	switch {
	case t.ContentHash == "":
		return fmt.Errorf("%w: contentHash missing", ErrMalformedToken)
	case t.OriginalHash == "":
		return fmt.Errorf("%w: originalHash missing", ErrMalformedToken)
	case t.SanitizationVersion == "":
		return fmt.Errorf("%w: sanitizationVersion missing", ErrMalformedToken)
	case t.Signature == "":
		return fmt.Errorf("%w: signature missing", ErrMalformedToken)
	case t.Nonce == "":
		return fmt.Errorf("%w: nonce missing", ErrMalformedToken)
	case t.Timestamp.IsZero() || t.ExpiresAt.IsZero():
		return fmt.Errorf("%w: timestamps missing", ErrMalformedToken)
	case !t.ExpiresAt.After(t.Timestamp):
		return fmt.Errorf("%w: expiresAt must be after timestamp", ErrMalformedToken)
	}
	return nil
}
