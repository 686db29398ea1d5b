package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Admission errors
	ErrValidation   = errors.New("agentmsg: invalid message")
	ErrStaleMessage = errors.New("agentmsg: message timestamp outside tolerance window")
	ErrRateLimited  = errors.New("agentmsg: rate limit exceeded")

	// Delivery errors
	ErrDeliveryFailure = errors.New("agentmsg: delivery failed")
	ErrExpired         = errors.New("agentmsg: message expired before delivery")

	// Trust token verification errors
	ErrSignatureMismatch = errors.New("agentmsg: trust token signature mismatch")
	ErrTokenExpired      = errors.New("agentmsg: trust token expired")
	ErrMalformedToken    = errors.New("agentmsg: malformed trust token")
)

// ValidationError reports a structural invariant violation. The message is never queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StaleMessageError reports a message whose timestamp is too far from the receipt time
type StaleMessageError struct {
	MessageID string
	Skew      time.Duration
	Window    time.Duration
}

func (e *StaleMessageError) Error() string {
	return fmt.Sprintf("stale message %s: timestamp skew %v exceeds %v",
		e.MessageID, e.Skew.Round(time.Millisecond), e.Window)
}

func (e *StaleMessageError) Unwrap() error {
	return ErrStaleMessage
}

// RateLimitedError reports an admission denied by the agent type's ceiling.
// Nothing is retained; the caller may retry later.
type RateLimitedError struct {
	AgentType AgentType
	Limit     int
	Window    time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: agent type %s exceeds %d per %v", e.AgentType, e.Limit, e.Window)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// DeliveryError reports a transport-level failure for a message
type DeliveryError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed after %d attempt(s): %v", e.MessageID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailure, e.Err}
}

// ExpiredError reports a message whose TTL elapsed before delivery
type ExpiredError struct {
	MessageID string
	Age       time.Duration
	TTL       time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("message %s expired: age %v exceeds ttl %v", e.MessageID, e.Age.Round(time.Millisecond), e.TTL)
}

func (e *ExpiredError) Unwrap() error {
	return ErrExpired
}
