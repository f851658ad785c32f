// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
)

// Matrix error codes the adapter distinguishes.
const (
	ErrCodeUnknown              = "M_UNKNOWN"
	ErrCodeForbidden            = "M_FORBIDDEN"
	ErrCodeConsentNotGiven      = "M_CONSENT_NOT_GIVEN"
	ErrCodeGuestAccessForbidden = "M_GUEST_ACCESS_FORBIDDEN"
	ErrCodeUserDeactivated      = "M_USER_DEACTIVATED"
	ErrCodeNotFound             = "M_NOT_FOUND"
	ErrCodeUnknownToken         = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken         = "M_MISSING_TOKEN"
	ErrCodeBadJSON              = "M_BAD_JSON"
	ErrCodeNotJSON              = "M_NOT_JSON"
	ErrCodeInvalidParam         = "M_INVALID_PARAM"
	ErrCodeMissingParam         = "M_MISSING_PARAM"
	ErrCodeTooLarge             = "M_TOO_LARGE"
	ErrCodeLimitExceeded        = "M_LIMIT_EXCEEDED"
)

// MsgHomeserverNotResponding is returned with 504 when the retry budget is spent.
const MsgHomeserverNotResponding = "Homeserver not responding"

var errorStatuses = map[string]int{
	ErrCodeForbidden:            http.StatusForbidden,
	ErrCodeConsentNotGiven:      http.StatusForbidden,
	ErrCodeGuestAccessForbidden: http.StatusForbidden,
	ErrCodeUserDeactivated:      http.StatusForbidden,
	ErrCodeNotFound:             http.StatusNotFound,
	ErrCodeUnknownToken:         http.StatusUnauthorized,
	ErrCodeMissingToken:         http.StatusUnauthorized,
	ErrCodeBadJSON:              http.StatusBadRequest,
	ErrCodeNotJSON:              http.StatusBadRequest,
	ErrCodeInvalidParam:         http.StatusBadRequest,
	ErrCodeMissingParam:         http.StatusBadRequest,
	ErrCodeTooLarge:             http.StatusRequestEntityTooLarge,
	ErrCodeLimitExceeded:        http.StatusTooManyRequests,
}

// ErrorStatus maps a Matrix error code to the HTTP status returned to the
// webhook caller. M_UNKNOWN carries no meaning of its own, so the status of
// the homeserver response is used instead. Unknown codes map to 500.
func ErrorStatus(errcode string, transportStatus int) int {
	if errcode == ErrCodeUnknown && transportStatus > 0 {
		return transportStatus
	}
	if status, ok := errorStatuses[errcode]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DeliveryError is the HTTP-facing outcome of a failed join or send.
type DeliveryError struct {
	Status  int
	Message string
	ErrCode string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.ErrCode)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

var (
	// ErrEncryptionMismatch means the persisted session was created with a
	// different encryption mode than the one configured.
	ErrEncryptionMismatch = errors.New("encryption mode does not match the stored session")
	// ErrNoCredentials means neither a password nor an access token is available.
	ErrNoCredentials = errors.New("no password or access token configured")
)

// errorKind classifies a failed homeserver call.
type errorKind int

const (
	kindTransient errorKind = iota
	kindTokenInvalid
	kindDomain
	kindCancelled
)

func (k errorKind) String() string {
	switch k {
	case kindTransient:
		return "transient"
	case kindTokenInvalid:
		return "token_invalid"
	case kindDomain:
		return "domain"
	case kindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("errorKind(%d)", int(k))
	}
}

// classify decides how the retry loop treats err. Anything that does not
// carry a Matrix error body is treated as a transport failure and retried.
func classify(ctx context.Context, err error) (errorKind, *DeliveryError) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return kindCancelled, nil
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.RespError == nil || httpErr.RespError.ErrCode == "" {
		return kindTransient, nil
	}
	code := httpErr.RespError.ErrCode
	if code == ErrCodeUnknownToken || code == ErrCodeMissingToken {
		return kindTokenInvalid, nil
	}
	transportStatus := 0
	if httpErr.Response != nil {
		transportStatus = httpErr.Response.StatusCode
	}
	return kindDomain, &DeliveryError{
		Status:  ErrorStatus(code, transportStatus),
		Message: httpErr.RespError.Err,
		ErrCode: code,
		Err:     err,
	}
}

func tokenInvalidError(err error) *DeliveryError {
	var httpErr mautrix.HTTPError
	msg := "Invalid access token"
	code := ErrCodeUnknownToken
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		code = httpErr.RespError.ErrCode
		if httpErr.RespError.Err != "" {
			msg = httpErr.RespError.Err
		}
	}
	return &DeliveryError{Status: http.StatusUnauthorized, Message: msg, ErrCode: code, Err: err}
}

func notRespondingError(err error) *DeliveryError {
	return &DeliveryError{Status: http.StatusGatewayTimeout, Message: MsgHomeserverNotResponding, Err: err}
}
