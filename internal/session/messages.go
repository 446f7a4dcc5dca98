package session

import (
	"errors"

	"github.com/projectdesk/deskd/internal/identity"
)

const (
	sessionExpiredText = "Your session has expired. Please sign in again."
	signInWelcomeText  = "Signed in successfully."
)

// signInErrorMessage maps a sign-in failure to its user-facing message.
// Each error kind gets a distinct message.
func signInErrorMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrSignInDenied):
		return "Sign-in was cancelled at the provider."
	case errors.Is(err, identity.ErrSignInExpired):
		return "The sign-in request expired before it was completed. Please try again."
	case errors.Is(err, identity.ErrAccountConflict):
		return "An account already exists with a different sign-in method."
	default:
		return "Sign-in failed. Please try again."
	}
}
