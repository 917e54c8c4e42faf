package iamkit

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is the only outcome callers see for any authentication failure.
	ErrUnauthenticated = errors.New("iam.unauthenticated")
	// ErrMissingCredential indicates no credential with the expected scheme prefix was supplied.
	ErrMissingCredential = fmt.Errorf("iam.missing_credential: %w", ErrUnauthenticated)
	// ErrForbidden indicates a role or permission check denied the request.
	ErrForbidden = errors.New("iam.forbidden")
	// ErrUserAlreadyExists maps unique constraint violations on users.
	ErrUserAlreadyExists = errors.New("iam.user.already_exists")
	// ErrUserNotFound is returned by user stores when no record matches.
	ErrUserNotFound = errors.New("iam.user.not_found")
	// ErrAPIKeyNotFound is returned by API key stores when no record matches.
	ErrAPIKeyNotFound = errors.New("iam.api_key.not_found")
	// ErrInvalidToken collapses every JWT verification failure.
	ErrInvalidToken = errors.New("iam.token.invalid")
	// ErrInvalidSubject indicates a subject claim that is not a user id.
	ErrInvalidSubject = errors.New("iam.token.invalid_subject")
	// ErrInvalidatedRefreshToken indicates the presented refresh-token-id is not the live one.
	ErrInvalidatedRefreshToken = errors.New("iam.refresh.invalidated")
	// ErrRefreshTokenReuseDetected marks a redemption of a superseded or already used refresh token.
	ErrRefreshTokenReuseDetected = errors.New("iam.refresh.reuse_detected")
	// ErrInvalidTfaCode indicates a missing or wrong second-factor code.
	ErrInvalidTfaCode = errors.New("iam.tfa.invalid_code")
	// ErrInvalidInput indicates a malformed or incomplete request payload.
	ErrInvalidInput = errors.New("iam.invalid_input")
	// ErrSessionNotFound is returned by session stores for unknown or expired sessions.
	ErrSessionNotFound = errors.New("iam.session.not_found")
)

// ForbiddenError is a policy denial carrying a human-readable reason.
type ForbiddenError struct {
	Reason string
}

func (err *ForbiddenError) Error() string {
	if err.Reason == "" {
		return ErrForbidden.Error()
	}
	return fmt.Sprintf("%s: %s", ErrForbidden.Error(), err.Reason)
}

// Unwrap lets errors.Is(err, ErrForbidden) match policy denials.
func (err *ForbiddenError) Unwrap() error {
	return ErrForbidden
}

// MissingPolicyHandlerError signals a policy type without a registered handler.
type MissingPolicyHandlerError struct {
	PolicyType PolicyType
}

func (err *MissingPolicyHandlerError) Error() string {
	return fmt.Sprintf("%q does not have the associated handler", string(err.PolicyType))
}

func unauthenticated(operation string, cause error) error {
	if cause == nil {
		return fmt.Errorf("iam.%s: %w", operation, ErrUnauthenticated)
	}
	return fmt.Errorf("iam.%s: %w: %w", operation, ErrUnauthenticated, cause)
}
