package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailsort/internal/model"
)

// UserStore is the subset of the store the vault needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SaveUserTokens(
		ctx context.Context,
		userID string,
		accessToken string,
		refreshToken string,
		expiry *time.Time,
	) error
}

// Vault reads and writes a user's provider tokens, encrypting them
// before they reach the users table.
type Vault struct {
	users  UserStore
	cipher *Cipher
}

// NewVault creates a token vault backed by users.
func NewVault(users UserStore, c *Cipher) *Vault {
	return &Vault{users: users, cipher: c}
}

// LoadTokens returns the decrypted tokens for userID.
func (v *Vault) LoadTokens(ctx context.Context, userID string) (model.TokenSet, error) {
	u, err := v.users.GetUser(ctx, userID)
	if err != nil {
		return model.TokenSet{}, err
	}

	access, err := v.cipher.Decrypt(u.AccessToken)
	if err != nil {
		return model.TokenSet{}, fmt.Errorf("decrypting access token for %s: %w", userID, err)
	}
	refresh, err := v.cipher.Decrypt(u.RefreshToken)
	if err != nil {
		return model.TokenSet{}, fmt.Errorf("decrypting refresh token for %s: %w", userID, err)
	}

	return model.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       u.TokenExpiry,
	}, nil
}

// SaveTokens encrypts and stores tokens for userID.
func (v *Vault) SaveTokens(ctx context.Context, userID string, tokens model.TokenSet) error {
	access, err := v.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token for %s: %w", userID, err)
	}
	refresh, err := v.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token for %s: %w", userID, err)
	}
	return v.users.SaveUserTokens(ctx, userID, access, refresh, tokens.Expiry)
}
