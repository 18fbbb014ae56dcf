package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrMissingSecret = errors.New("auth: secret is not configured")

	// ErrUnauthenticated matches every *AuthenticationError.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden matches every *AuthorizationError.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("auth: storage unavailable")
)

// AuthnKind classifies authentication failures.
type AuthnKind string

const (
	MissingToken       AuthnKind = "missing_token"
	MalformedToken     AuthnKind = "malformed_token"
	InvalidSignature   AuthnKind = "invalid_signature"
	ExpiredToken       AuthnKind = "expired_token"
	SessionNotFound    AuthnKind = "session_not_found"
	SessionExpired     AuthnKind = "session_expired"
	IdentityInactive   AuthnKind = "identity_inactive"
	InvalidCredentials AuthnKind = "invalid_credentials"
)

// AuthenticationError is returned when the caller's identity cannot be established.
// The caller must re-authenticate; it is never retried.
type AuthenticationError struct {
	Kind AuthnKind
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Kind)
}

func (e *AuthenticationError) Is(target error) bool {
	if target == ErrUnauthenticated {
		return true
	}
	t, ok := target.(*AuthenticationError)
	return ok && t.Kind == e.Kind
}

func authnError(kind AuthnKind) error {
	return &AuthenticationError{Kind: kind}
}

// AuthzKind classifies authorization denials.
type AuthzKind string

const (
	InsufficientPermission AuthzKind = "insufficient_permission"
	InsufficientRole       AuthzKind = "insufficient_role"
	NotOwner               AuthzKind = "not_owner"
)

// AuthorizationError is returned when an authenticated identity fails a gate.
type AuthorizationError struct {
	Kind   AuthzKind
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authorization denied: %s", e.Kind)
	}
	return fmt.Sprintf("authorization denied: %s (%s)", e.Kind, e.Detail)
}

func (e *AuthorizationError) Is(target error) bool {
	if target == ErrForbidden {
		return true
	}
	t, ok := target.(*AuthorizationError)
	return ok && t.Kind == e.Kind
}

// StorageError wraps a transient failure of a backing store. Its detail is for logs only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func storageError(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Kind returns the machine readable classification of err, or "internal".
func Kind(err error) string {
	var authn *AuthenticationError
	if errors.As(err, &authn) {
		return string(authn.Kind)
	}
	var authz *AuthorizationError
	if errors.As(err, &authz) {
		return string(authz.Kind)
	}
	return "internal"
}
