package mailbox

import (
	"errors"
	"fmt"
)

// AuthError indicates the mailbox rejected the account's credentials, or
// that no credentials are available. Retrying cannot fix it; the account
// needs to be reconnected by its owner.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Permanent marks AuthError as non-retryable for errclass.
func (e *AuthError) Permanent() bool {
	return true
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
