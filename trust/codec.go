package trust

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/zeebo/blake3"
)

const (
	// DefaultLifetime is how long an issued token stays valid.
	DefaultLifetime = 24 * time.Hour

	// MinSecretLength is the shortest signing secret accepted.
	MinSecretLength = 16

	keyContext = "agentmsg 2026 trust-token signing key v1"
	nonceSize  = 16
)

// contentDomainKey separates content digests from any other BLAKE3 use of
// the same bytes. Both content and original hashes live in this domain so an
// unchanged input yields equal hashes.
var contentDomainKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'm', 's', 'g', '.', 't', 'r', 'u', 's', 't', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var ErrShortSecret = errors.New("trust: signing secret too short")

// Reason explains why a token failed verification
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonSignatureMismatch Reason = "SignatureMismatch"
	ReasonExpired           Reason = "Expired"
	ReasonMalformed         Reason = "Malformed"
)

// VerifyResult is the outcome of Verify
type VerifyResult struct {
	Valid  bool
	Reason Reason
	Err    error
}

// Codec issues and verifies trust tokens with a single signing key.
// The key is read-only after construction, so a Codec is safe for
// concurrent use.
type Codec struct {
	key      [32]byte
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Codec
type Option func(*Codec)

// WithLifetime sets the validity period of issued tokens
func WithLifetime(d time.Duration) Option {
	return func(c *Codec) {
		c.lifetime = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}

// NewCodec derives the signing key from secret. An empty secret produces a
// random per-process key; tokens from such a codec cannot be verified by any
// other process.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	c := &Codec{
		lifetime: DefaultLifetime,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch {
	case len(secret) == 0:
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("trust: generating ephemeral secret: %w", err)
		}
		c.logger.Warn("no signing secret configured, using an ephemeral key")
	case len(secret) < MinSecretLength:
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortSecret, len(secret), MinSecretLength)
	}

	blake3.DeriveKey(keyContext, secret, c.key[:])
	return c, nil
}

// Lifetime returns the validity period of issued tokens
func (c *Codec) Lifetime() time.Duration {
	return c.lifetime
}

// Digest returns the hex content digest used for contentHash and originalHash.
func Digest(data []byte) string {
	h, _ := blake3.NewKeyed(contentDomainKey[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Issue creates a signed token binding sanitized to original.
func (c *Codec) Issue(original, sanitized []byte, rules []string, version string) (*contracts.TrustToken, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: sanitizationVersion missing", contracts.ErrMalformedToken)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("trust: generating nonce: %w", err)
	}

	now := c.now().UTC()
	token := &contracts.TrustToken{
		ContentHash:         Digest(sanitized),
		OriginalHash:        Digest(original),
		SanitizationVersion: version,
		RulesApplied:        append([]string{}, rules...),
		Timestamp:           now,
		ExpiresAt:           now.Add(c.lifetime),
		Nonce:               hex.EncodeToString(nonce),
	}

	sig, err := c.sign(token)
	if err != nil {
		return nil, err
	}
	token.Signature = sig

	c.logger.Debug("trust token issued",
		"contentHash", token.ContentHash,
		"sanitizationVersion", version,
		"rules", len(token.RulesApplied),
		"expiresAt", token.ExpiresAt)
	return token, nil
}

func (c *Codec) sign(t *contracts.TrustToken) (string, error) {
	data, err := canonicalBytes(t)
	if err != nil {
		return "", fmt.Errorf("trust: encoding signing tuple: %w", err)
	}
	h, _ := blake3.NewKeyed(c.key[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the token at the current time.
func (c *Codec) Verify(t *contracts.TrustToken) VerifyResult {
	return c.VerifyAt(t, c.now())
}

// VerifyAt checks structure, then signature, then expiry at now.
func (c *Codec) VerifyAt(t *contracts.TrustToken, now time.Time) VerifyResult {
	if t == nil {
		return VerifyResult{Reason: ReasonMalformed, Err: fmt.Errorf("%w: token missing", contracts.ErrMalformedToken)}
	}
	if err := t.CheckFields(); err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: err}
	}

	got, err := hex.DecodeString(t.Signature)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: fmt.Errorf("%w: signature is not hex", contracts.ErrMalformedToken)}
	}
	want, err := c.sign(t)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: fmt.Errorf("%w: %v", contracts.ErrMalformedToken, err)}
	}
	wantBytes, _ := hex.DecodeString(want)
	if subtle.ConstantTimeCompare(got, wantBytes) != 1 {
		return VerifyResult{Reason: ReasonSignatureMismatch, Err: contracts.ErrSignatureMismatch}
	}

	if !now.Before(t.ExpiresAt) {
		return VerifyResult{
			Reason: ReasonExpired,
			Err:    fmt.Errorf("%w: expired at %s", contracts.ErrTokenExpired, t.ExpiresAt.Format(time.RFC3339)),
		}
	}

	return VerifyResult{Valid: true}
}

// Check is Verify for callers that want an error. It returns nil for a valid
// token, otherwise an error wrapping ErrMalformedToken, ErrSignatureMismatch
// or ErrTokenExpired.
func (c *Codec) Check(t *contracts.TrustToken) error {
	return c.Verify(t).Err
}

// Stamp issues a token for the message content and attaches it.
func (c *Codec) Stamp(msg *contracts.AgentMessage, original []byte, rules []string, version string) error {
	token, err := c.Issue(original, []byte(msg.Content), rules, version)
	if err != nil {
		return err
	}
	msg.TrustToken = token
	return nil
}

// MatchesContent reports whether the token's contentHash covers content.
func MatchesContent(t *contracts.TrustToken, content []byte) bool {
	if t == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.ContentHash), []byte(Digest(content))) == 1
}
