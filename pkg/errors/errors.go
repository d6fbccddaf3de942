// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error kinds surfaced by the upstream provider engine.
//
// Every failure leaving the engine is an *Error carrying one of the Type
// constants below. Callers match kinds with the standard library:
//
//	if errors.Is(err, upstreamerrors.ErrSignatureInvalid) { ... }
//
// The Message and Cause are for logs only. Use PublicMessage to obtain text
// that is safe to show to an end user.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// TypeConfiguration is returned when a provider or broker configuration is unusable.
	TypeConfiguration = "configuration_error"

	// TypeProviderNotFound is returned when no provider exists with the given ID.
	TypeProviderNotFound = "provider_not_found"

	// TypeProviderDisabled is returned when a new authorization targets a disabled provider.
	TypeProviderDisabled = "provider_disabled"

	// TypeDiscoveryFailure is returned when provider metadata cannot be fetched or parsed.
	TypeDiscoveryFailure = "discovery_failure"

	// TypeExchangeFailed is returned when the token endpoint call fails.
	TypeExchangeFailed = "exchange_failed"

	// TypeSignatureInvalid is returned when a JWS cannot be verified.
	TypeSignatureInvalid = "signature_invalid"

	// TypeClaimValidationFailed is returned when token claims fail validation.
	TypeClaimValidationFailed = "claim_validation_failed"

	// TypeUserinfoFailed is returned when the userinfo endpoint call or its validation fails.
	TypeUserinfoFailed = "userinfo_failed"

	// TypeSessionNotFound is returned when no authorization session matches the callback state.
	TypeSessionNotFound = "session_not_found"

	// TypeSessionExpiredOrUsed is returned when the authorization session was already completed or has expired.
	TypeSessionExpiredOrUsed = "session_expired_or_used"

	// TypeStateMismatch is returned when the callback does not belong to the session's provider.
	TypeStateMismatch = "state_mismatch"

	// TypeAlreadyLinkedElsewhere is returned when an upstream subject is bound to a different account.
	TypeAlreadyLinkedElsewhere = "already_linked_elsewhere"

	// TypeLogoutTokenInvalid is returned for every backchannel logout token rejection.
	TypeLogoutTokenInvalid = "logout_token_invalid"

	// TypeInvalidRequest is returned when caller supplied input is unacceptable.
	TypeInvalidRequest = "invalid_request"
)

// Sentinels for use with errors.Is. They match any *Error of the same Type.
var (
	ErrConfiguration          = &Error{Type: TypeConfiguration}
	ErrProviderNotFound       = &Error{Type: TypeProviderNotFound}
	ErrProviderDisabled       = &Error{Type: TypeProviderDisabled}
	ErrDiscoveryFailure       = &Error{Type: TypeDiscoveryFailure}
	ErrExchangeFailed         = &Error{Type: TypeExchangeFailed}
	ErrSignatureInvalid       = &Error{Type: TypeSignatureInvalid}
	ErrClaimValidationFailed  = &Error{Type: TypeClaimValidationFailed}
	ErrUserinfoFailed         = &Error{Type: TypeUserinfoFailed}
	ErrSessionNotFound        = &Error{Type: TypeSessionNotFound}
	ErrSessionExpiredOrUsed   = &Error{Type: TypeSessionExpiredOrUsed}
	ErrStateMismatch          = &Error{Type: TypeStateMismatch}
	ErrAlreadyLinkedElsewhere = &Error{Type: TypeAlreadyLinkedElsewhere}
	ErrLogoutTokenInvalid     = &Error{Type: TypeLogoutTokenInvalid}
	ErrInvalidRequest         = &Error{Type: TypeInvalidRequest}
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return e.Type
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a bare sentinel of the same type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Type == e.Type
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(TypeConfiguration, message, cause)
}

// NewDiscoveryError creates a new discovery failure error
func NewDiscoveryError(message string, cause error) *Error {
	return NewError(TypeDiscoveryFailure, message, cause)
}

// NewExchangeError creates a new exchange failed error
func NewExchangeError(message string, cause error) *Error {
	return NewError(TypeExchangeFailed, message, cause)
}

// NewSignatureError creates a new signature invalid error
func NewSignatureError(message string, cause error) *Error {
	return NewError(TypeSignatureInvalid, message, cause)
}

// NewClaimValidationError creates a new claim validation error
func NewClaimValidationError(message string, cause error) *Error {
	return NewError(TypeClaimValidationFailed, message, cause)
}

// NewUserinfoError creates a new userinfo failed error
func NewUserinfoError(message string, cause error) *Error {
	return NewError(TypeUserinfoFailed, message, cause)
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(TypeInvalidRequest, message, cause)
}

// TypeOf returns the type of the first *Error in err's chain, or "" when there is none.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsRecoverable reports whether the failure came from a remote dependency
// and the user may simply try logging in again.
func IsRecoverable(err error) bool {
	switch TypeOf(err) {
	case TypeDiscoveryFailure, TypeExchangeFailed, TypeUserinfoFailed:
		return true
	default:
		return false
	}
}

// Codes returned by PublicCode.
const (
	CodeAccessDenied           = "access_denied"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
	CodeProviderUnavailable    = "provider_unavailable"
	CodeAlreadyLinked          = "already_linked"
	CodeServerError            = "server_error"
	CodeInvalidRequest         = "invalid_request"
)

// PublicCode returns a machine readable code safe to send to a browser.
// Every protocol integrity failure maps to CodeAccessDenied.
func PublicCode(err error) string {
	switch TypeOf(err) {
	case "", TypeConfiguration:
		return CodeServerError
	case TypeDiscoveryFailure, TypeExchangeFailed, TypeUserinfoFailed:
		return CodeTemporarilyUnavailable
	case TypeProviderNotFound, TypeProviderDisabled:
		return CodeProviderUnavailable
	case TypeAlreadyLinkedElsewhere:
		return CodeAlreadyLinked
	case TypeInvalidRequest:
		return CodeInvalidRequest
	default:
		return CodeAccessDenied
	}
}

// PublicMessage returns text safe to display to an end user. It never names
// the specific check that failed.
func PublicMessage(err error) string {
	switch PublicCode(err) {
	case CodeServerError:
		return "An unexpected error occurred."
	case CodeTemporarilyUnavailable:
		return "The identity provider could not be reached. Please try again."
	case CodeAlreadyLinked:
		return "This external account is already linked to another account."
	case CodeProviderUnavailable:
		return "This identity provider is not available."
	case CodeInvalidRequest:
		return "The login request is invalid."
	default:
		return "Login with the identity provider failed. Please start again."
	}
}
