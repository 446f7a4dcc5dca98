package identity

import "time"

// Token is an identity token minted by the provider, together with the
// credential needed to rotate it.
type Token struct {
	Value        string    `json:"value"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Remaining returns the time left until the token expires. Zero expiry
// means the token never expires as far as the client knows.
func (t *Token) Remaining() time.Duration {
	if t.ExpiresAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(t.ExpiresAt)
}

// IsExpired returns true if the token has expired.
func (t *Token) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}
