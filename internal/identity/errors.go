package identity

import "errors"

// Sign-in and refresh failures callers are expected to branch on. Each of
// the sign-in sentinels maps to a distinct user-facing message.
var (
	// ErrSignInDenied is returned when the user rejects the sign-in
	// request at the provider.
	ErrSignInDenied = errors.New("sign-in denied by user")

	// ErrSignInExpired is returned when the device authorization expires
	// before the user completes it.
	ErrSignInExpired = errors.New("sign-in verification expired")

	// ErrAccountConflict is returned when the provider reports that the
	// account already exists under a different sign-in method.
	ErrAccountConflict = errors.New("account exists with a different sign-in method")

	// ErrRefreshCredentialStale is returned when the provider rejects the
	// refresh credential. The session cannot be recovered without a new
	// sign-in.
	ErrRefreshCredentialStale = errors.New("refresh credential no longer valid")

	// ErrNotSignedIn is returned by CurrentToken when no token has been
	// minted or restored.
	ErrNotSignedIn = errors.New("not signed in")
)
