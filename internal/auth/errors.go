package auth

import (
	"errors"

	"token-service/internal/token"
)

var (
	ErrExpired             = errors.New("token has expired")
	ErrAudienceMismatch    = errors.New("token is not valid for the requesting service")
	ErrEnvironmentMismatch = errors.New("token was issued for a different environment")
	ErrInvalidated         = errors.New("token has been invalidated")
	ErrAccountBanned       = errors.New("account is banned")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrAdminRequired       = errors.New("admin privileges required")
	ErrStoreTimeout        = errors.New("identity store deadline exceeded")
	ErrInvalidRequest      = errors.New("invalid request")
)

// AuthError is a token validation failure. Token carries whatever claims
// could be recovered so the failure can be audited.
type AuthError struct {
	Reason error
	Token  *TokenInfo
}

func (e *AuthError) Error() string {
	return e.Reason.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Reason
}

func newAuthError(reason error, info *TokenInfo) *AuthError {
	return &AuthError{Reason: reason, Token: info}
}

// ReasonCode maps a failure to the stable code returned to callers. Unknown
// errors map to the empty string.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAccountBanned):
		return "banned"
	case errors.Is(err, ErrInvalidated):
		return "invalidated"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrEnvironmentMismatch):
		return "environment_mismatch"
	case errors.Is(err, token.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, token.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrIdentityNotFound):
		return "not_found"
	case errors.Is(err, ErrAdminRequired):
		return "admin_required"
	default:
		return ""
	}
}
