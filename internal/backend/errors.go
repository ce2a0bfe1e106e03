// Package backend holds execution backend clients: a deterministic paper
// backend, an HMAC-signed crypto exchange client, and a TOTP-session
// brokerage client. Every client satisfies model.ExecutionClient and
// classifies its errors as retryable or terminal so the execution core can
// decide between retrying and failing the order.
package backend

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal is returned by Cancel when the order has already
// reached a terminal state on the backend.
var ErrAlreadyTerminal = errors.New("order already terminal")

// Error is a classified backend failure. Retryable failures (timeouts,
// rate limits, 5xx) may be retried under the caller's budget; terminal
// failures (validation, auth, insufficient funds) must not be.
type Error struct {
	Backend   string
	Op        string // "submit", "status", "cancel"
	Code      string // backend-native code, "" when transport-level
	Msg       string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: [%s] %s", e.Backend, e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether err may be retried. Unclassified errors are
// treated as terminal: retrying an unknown failure risks double
// submission.
func Retryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

func retryableHTTP(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
