package session

// State represents the session lifecycle state.
type State int

const (
	// StateUnknown is the initial state before hydration from storage.
	StateUnknown State = iota
	StateAuthenticating
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateUnauthenticated:
		return "Unauthenticated"
	default:
		return "Invalid"
	}
}
