package token

import "errors"

// Error is a ledger error with a stable machine-readable code. Codes are
// part of the public contract: facade callers branch on them and the RPC
// layer forwards them verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error carrying the same code, so callers can use
// errors.Is against the package sentinels regardless of message wording.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds an Error with a custom message under an existing code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the stable code from err, or "" when err carries none.
func CodeOf(err error) string {
	var t *Error
	if errors.As(err, &t) {
		return t.Code
	}
	return ""
}

var (
	// ErrInvalidPayload covers missing or mistyped identity fields.
	ErrInvalidPayload = &Error{Code: "INVALID_TRANSACTION_PAYLOAD", Message: "Invalid transaction payload"}

	// ErrInvalidType rejects transaction types outside the five event kinds.
	ErrInvalidType = &Error{Code: "INVALID_TRANSACTION_TYPE", Message: "Invalid transaction type"}

	// ErrInvalidAmount rejects non-positive or non-integer amounts.
	ErrInvalidAmount = &Error{Code: "INVALID_AMOUNT", Message: "amount must be an integer"}

	// ErrInvalidTokenType rejects manual adjustments outside paid/free.
	ErrInvalidTokenType = &Error{Code: "INVALID_TOKEN_TYPE", Message: "type must be one of paid, free"}

	// ErrMissingBeneficiary rejects free grants without a bucket owner.
	ErrMissingBeneficiary = &Error{Code: "MISSING_BENEFICIARY_ID", Message: "beneficiaryId is required"}

	// ErrInvalidTimeout rejects hold timeouts outside the allowed window.
	ErrInvalidTimeout = &Error{Code: "INVALID_TIMEOUT", Message: "expiresAfter is out of range"}

	// ErrInsufficientTokens signals the split could not cover the amount.
	ErrInsufficientTokens = &Error{Code: "INSUFFICIENT_TOKENS", Message: "Insufficient tokens"}

	// ErrInsufficientPaidTokens signals a paid-only operation exceeded the
	// paid balance.
	ErrInsufficientPaidTokens = &Error{Code: "INSUFFICIENT_PAID_TOKENS", Message: "Insufficient paid tokens"}

	// ErrMissingIdentifier rejects hold lifecycle calls that name neither a
	// transaction id nor a refId.
	ErrMissingIdentifier = &Error{Code: "MISSING_IDENTIFIER", Message: "transactionId or refId is required"}

	// ErrTransactionNotFound signals an id that resolves to no event.
	ErrTransactionNotFound = &Error{Code: "TRANSACTION_NOT_FOUND", Message: "Transaction not found"}

	// ErrNoHeldTokens signals the resolved event is not a HOLD.
	ErrNoHeldTokens = &Error{Code: "NO_HELD_TOKENS", Message: "No held tokens for transaction"}

	// ErrNoOpenHolds signals a refId with no OPEN holds to act on.
	ErrNoOpenHolds = &Error{Code: "NO_OPEN_HOLDS", Message: "No open holds for refId"}

	// ErrHoldMissingState reports a HOLD row without a state attribute.
	ErrHoldMissingState = &Error{Code: "HOLD_MISSING_STATE", Message: "Hold record is missing state"}

	// ErrDuplicateHoldRef rejects a second OPEN hold on a caller refId.
	ErrDuplicateHoldRef = &Error{Code: "DUPLICATE_HOLD_REFID", Message: "An open hold already exists for refId"}

	// ErrAlreadyCaptured fails lifecycle calls against a captured hold.
	ErrAlreadyCaptured = &Error{Code: "ALREADY_CAPTURED", Message: "Hold already captured"}

	// ErrAlreadyReversed fails lifecycle calls against a reversed hold.
	ErrAlreadyReversed = &Error{Code: "ALREADY_REVERSED", Message: "Hold already reversed"}

	// ErrAlreadyProcessed signals a lost optimistic-lock race on extend.
	ErrAlreadyProcessed = &Error{Code: "ALREADY_PROCESSED", Message: "Hold was modified concurrently"}

	// ErrTimeoutExceeded rejects extensions past the hold lifetime cap.
	ErrTimeoutExceeded = &Error{Code: "TIMEOUT_EXCEEDED", Message: "Extension exceeds maximum hold lifetime"}
)
