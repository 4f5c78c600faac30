package model

import "time"

// User is a mailbox owner. AccessToken and RefreshToken hold the
// encrypted form; only the credential package sees plaintext.
type User struct {
	ID              string     `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	AccessToken     string     `json:"-" db:"access_token"`
	RefreshToken    string     `json:"-" db:"refresh_token"`
	TokenExpiry     *time.Time `json:"token_expiry,omitempty" db:"token_expiry"`
	SyncCursor      string     `json:"sync_cursor" db:"sync_cursor"`
	InitialSyncDone bool       `json:"initial_sync_done" db:"initial_sync_done"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Connected reports whether the user has stored provider credentials.
func (u User) Connected() bool {
	return u.AccessToken != ""
}

// TokenSet is a user's plaintext provider credentials.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
}
