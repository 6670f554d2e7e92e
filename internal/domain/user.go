// Package domain contains core domain types for the duelchat client.
package domain

// Identity is the resolved identity of the signed-in user.
type Identity struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
}

// Profile holds user attributes resolved separately from the identity.
type Profile struct {
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Topic returns the pub/sub topic the user's responses are published on.
func (p Profile) Topic() string {
	return p.Email
}
