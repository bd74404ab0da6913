// Package session persists per-user gateway state: the chosen environment,
// the active trading account and the encrypted OAuth tokens.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/kv"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/crypto"
)

const keyPrefix = "session:"

// Session is the stored record. Pointer fields distinguish "unset" from an
// empty value; unset fields are omitted from the persisted JSON and are
// never overwritten by a patch that does not carry them.
type Session struct {
	Env             *string `json:"env,omitempty"`
	ActiveAccountID *int64  `json:"activeAccountId,omitempty"`
	AccessTokenEnc  *string `json:"accessTokenEnc,omitempty"`
	RefreshTokenEnc *string `json:"refreshTokenEnc,omitempty"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// Store reads and writes sessions through the shared KV store. Tokens are
// encrypted before they leave the process.
type Store struct {
	kv  kv.Store
	enc *crypto.Encryptor
}

func NewStore(store kv.Store, enc *crypto.Encryptor) *Store {
	return &Store{kv: store, enc: enc}
}

func key(userID string) string {
	return keyPrefix + userID
}

// Load returns the stored session, or nil when the user has none.
func (s *Store) Load(ctx context.Context, userID string) (*Session, error) {
	raw, ok, err := s.kv.Get(ctx, key(userID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}
	if !ok {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", userID, err)
	}
	return &sess, nil
}

// Patch merges the set fields of patch over the stored session and writes
// the result back. ttl > 0 re-arms the key's expiry; otherwise the
// remaining TTL is preserved so the session keeps expiring with its tokens.
func (s *Store) Patch(ctx context.Context, userID string, patch Session, ttl time.Duration) (*Session, error) {
	cur, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = &Session{}
	}
	if patch.Env != nil {
		cur.Env = patch.Env
	}
	if patch.ActiveAccountID != nil {
		cur.ActiveAccountID = patch.ActiveAccountID
	}
	if patch.AccessTokenEnc != nil {
		cur.AccessTokenEnc = patch.AccessTokenEnc
	}
	if patch.RefreshTokenEnc != nil {
		cur.RefreshTokenEnc = patch.RefreshTokenEnc
	}
	cur.UpdatedAt = time.Now().UnixMilli()

	raw, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", userID, err)
	}
	if ttl > 0 {
		err = s.kv.Set(ctx, key(userID), string(raw), ttl)
	} else {
		err = s.kv.SetKeepTTL(ctx, key(userID), string(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("write session %s: %w", userID, err)
	}
	return cur, nil
}

// SetEnv records the user's environment without touching the session TTL.
func (s *Store) SetEnv(ctx context.Context, userID, env string) error {
	_, err := s.Patch(ctx, userID, Session{Env: &env}, 0)
	return err
}

// SetActiveAccountID records the user's active trading account.
func (s *Store) SetActiveAccountID(ctx context.Context, userID string, accountID int64) error {
	_, err := s.Patch(ctx, userID, Session{ActiveAccountID: &accountID}, 0)
	return err
}

// SaveTokens encrypts and stores both OAuth tokens, re-arming the session
// TTL to the token lifetime. An empty refresh token leaves the stored one
// untouched.
func (s *Store) SaveTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) error {
	accessEnc, err := s.enc.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	patch := Session{AccessTokenEnc: &accessEnc}
	if refreshToken != "" {
		refreshEnc, err := s.enc.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		patch.RefreshTokenEnc = &refreshEnc
	}
	_, err = s.Patch(ctx, userID, patch, expiresIn)
	return err
}

// AccessToken returns the decrypted access token. ok=false means the user
// has no stored token; errors are reserved for backend and crypto failures.
func (s *Store) AccessToken(ctx context.Context, userID string) (string, bool, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if sess == nil || sess.AccessTokenEnc == nil {
		return "", false, nil
	}
	token, err := s.enc.Decrypt(*sess.AccessTokenEnc)
	if err != nil {
		return "", false, fmt.Errorf("decrypt access token: %w", err)
	}
	return token, true, nil
}

// RefreshToken returns the decrypted refresh token, ok=false when absent.
func (s *Store) RefreshToken(ctx context.Context, userID string) (string, bool, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if sess == nil || sess.RefreshTokenEnc == nil {
		return "", false, nil
	}
	token, err := s.enc.Decrypt(*sess.RefreshTokenEnc)
	if err != nil {
		return "", false, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return token, true, nil
}
