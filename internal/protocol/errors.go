package protocol

import "fmt"

// ValidationError rejects bad input before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError is fatal: the credential is rejected and no retry will help.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// TransientNetworkError is retried per the backoff policy.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ProtocolError marks an inbound payload the client cannot interpret.
// The event is dropped and state left unchanged.
type ProtocolError struct {
	Event  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %s", e.Event, e.Reason)
}

// StaleTokenError means the cashout token expired before use. The token
// is cleared locally; callers fall back to a standard cashout.
type StaleTokenError struct {
	BetID string
}

func (e *StaleTokenError) Error() string {
	return "cashout token expired for bet " + e.BetID
}
