package model

import (
	"errors"
	"fmt"
)

// AuthError is fatal to the account's session. It is surfaced to the
// user and requires a re-login flow; it is never retried.
type AuthError struct {
	Backend BackendKind
	Reason  string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s auth failed: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s auth failed: %s", e.Backend, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that must be surfaced, not retried,
// such as a message rejected by server policy.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// DecryptionError is per-message and non-fatal: the message is stored
// undecryptable and may be recovered by a later key exchange.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ReasonReconciliationTimeout is the failure reason set on a provisional
// message whose server acknowledgment never arrived within the
// configured window.
const ReasonReconciliationTimeout = "reconciliation timed out"

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
