package verifier

import (
	"errors"
	"fmt"
)

// Kind names a verification failure. Kinds are stable strings and are
// returned to API clients as-is.
type Kind string

const (
	KindNonceNotMined         Kind = "NONCE_NOT_MINED"
	KindTransactionNotFound   Kind = "TRANSACTION_NOT_FOUND"
	KindNotFoundInHistory     Kind = "NOT_FOUND_IN_HISTORY"
	KindAddressMismatch       Kind = "ADDRESS_MISMATCH"
	KindToAddressMismatch     Kind = "TO_ADDRESS_MISMATCH"
	KindFromAddressMismatch   Kind = "FROM_ADDRESS_MISMATCH"
	KindAmountMismatch        Kind = "AMOUNT_MISMATCH"
	KindTimestampInvalid      Kind = "TIMESTAMP_INVALID"
	KindAssetContractMismatch Kind = "ASSET_CONTRACT_MISMATCH"
	KindDuplicateTransaction  Kind = "DUPLICATE_TRANSACTION"
	KindUnsupportedNetwork    Kind = "UNSUPPORTED_NETWORK"
	KindUnknownAsset          Kind = "UNKNOWN_ASSET"
	KindInvalidTokenTransfer  Kind = "INVALID_TOKEN_TRANSFER"
	KindTransactionFailed     Kind = "TRANSACTION_FAILED"
)

// Error is a typed verification failure. errors.Is matches on Kind, and
// both address mismatch kinds also match ErrAddressMismatch.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindAddressMismatch &&
		(e.Kind == KindToAddressMismatch || e.Kind == KindFromAddressMismatch)
}

var (
	ErrNonceNotMined         = &Error{Kind: KindNonceNotMined}
	ErrTransactionNotFound   = &Error{Kind: KindTransactionNotFound}
	ErrNotFoundInHistory     = &Error{Kind: KindNotFoundInHistory}
	ErrAddressMismatch       = &Error{Kind: KindAddressMismatch}
	ErrToAddressMismatch     = &Error{Kind: KindToAddressMismatch}
	ErrFromAddressMismatch   = &Error{Kind: KindFromAddressMismatch}
	ErrAmountMismatch        = &Error{Kind: KindAmountMismatch}
	ErrTimestampInvalid      = &Error{Kind: KindTimestampInvalid}
	ErrAssetContractMismatch = &Error{Kind: KindAssetContractMismatch}
	ErrDuplicateTransaction  = &Error{Kind: KindDuplicateTransaction}
	ErrUnsupportedNetwork    = &Error{Kind: KindUnsupportedNetwork}
	ErrUnknownAsset          = &Error{Kind: KindUnknownAsset}
	ErrInvalidTokenTransfer  = &Error{Kind: KindInvalidTokenTransfer}
	ErrTransactionFailed     = &Error{Kind: KindTransactionFailed}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from a verification error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return "", false
}

// IsRetryable reports whether the same claim may verify later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNonceNotMined)
}

// IsTerminal reports whether err is a verification verdict that will not
// change on retry. Infrastructure errors are neither terminal nor retryable
// verdicts.
func IsTerminal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind != KindNonceNotMined
}
