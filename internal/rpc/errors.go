package rpc

import (
	"errors"
	"fmt"

	"github.com/fanvault/tokend/internal/token"
)

// RpcError is the error payload returned inside a response result.
type RpcError struct {
	Code        int    `json:"error_code"`
	ErrorString string `json:"error"`
	Message     string `json:"error_message,omitempty"`
}

func (e *RpcError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.ErrorString, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.ErrorString, e.Code)
}

// Numeric error codes. Negative codes follow the JSON-RPC convention,
// positive codes are tokend-specific.
const (
	CodeUnknown        = -1
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeForbidden    = 3
	CodeNotFound     = 24
	CodeConflict     = 25
	CodeInsufficient = 26
	CodeUnavailable  = 27
)

func NewRpcError(code int, errorString, message string) *RpcError {
	return &RpcError{Code: code, ErrorString: errorString, Message: message}
}

func RpcParseError(message string) *RpcError {
	return NewRpcError(CodeParseError, "parseError", message)
}

func RpcInvalidRequest(message string) *RpcError {
	return NewRpcError(CodeInvalidRequest, "invalidRequest", message)
}

func RpcMethodNotFound(method string) *RpcError {
	return NewRpcError(CodeMethodNotFound, "unknownCmd", fmt.Sprintf("method %q not found", method))
}

func RpcInvalidParams(message string) *RpcError {
	return NewRpcError(CodeInvalidParams, "invalidParams", message)
}

func RpcInternalError(message string) *RpcError {
	return NewRpcError(CodeInternal, "internal", message)
}

func RpcForbidden(message string) *RpcError {
	return NewRpcError(CodeForbidden, "forbidden", message)
}

// errorFromLedger converts a ledger error into the RPC payload.
// The ledger's stable code string becomes the "error" field so callers
// can switch on it without parsing messages.
func errorFromLedger(err error) *RpcError {
	if err == nil {
		return nil
	}
	var fieldErr *token.FieldError
	if errors.As(err, &fieldErr) {
		return RpcInvalidParams(fieldErr.Error())
	}
	if errors.Is(err, token.ErrArchiveUnconfigured) {
		return RpcInvalidParams(err.Error())
	}
	var tokenErr *token.Error
	if !errors.As(err, &tokenErr) {
		return RpcInternalError(err.Error())
	}

	code := CodeInvalidParams
	switch {
	case errors.Is(err, token.ErrTransactionNotFound),
		errors.Is(err, token.ErrNoHeldTokens),
		errors.Is(err, token.ErrNoOpenHolds):
		code = CodeNotFound
	case errors.Is(err, token.ErrAlreadyCaptured),
		errors.Is(err, token.ErrAlreadyReversed),
		errors.Is(err, token.ErrAlreadyProcessed),
		errors.Is(err, token.ErrDuplicateHoldRef):
		code = CodeConflict
	case errors.Is(err, token.ErrInsufficientTokens),
		errors.Is(err, token.ErrInsufficientPaidTokens):
		code = CodeInsufficient
	case errors.Is(err, token.ErrHoldMissingState):
		code = CodeInternal
	}
	return NewRpcError(code, tokenErr.Code, tokenErr.Message)
}
