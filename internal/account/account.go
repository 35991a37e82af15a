// Package account implements the registry of known server accounts and
// their tokens, including the soft lock that serializes token refreshes.
package account

import (
	"github.com/pydio/cells-sync/internal/state"
)

// Auth status values surfaced on an account.
const (
	AuthConnected = "connected"
	AuthNoCreds   = "no-creds"
	AuthExpired   = "expired"
)

// Account identifies a remote server plus user. The ID is deterministically
// derived from (username, serverURL), so re-registering the same pair
// always lands on the same row.
type Account struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	ServerURL  string `json:"server_url"`
	SkipVerify bool   `json:"skip_verify,omitempty"`
	IsLegacy   bool   `json:"is_legacy,omitempty"`
	AuthStatus string `json:"auth_status"`
	CreatedTs  int64  `json:"created_ts"`
	UpdatedTs  int64  `json:"updated_ts"`
}

// StateID returns the account-level state ID for this account.
func (a *Account) StateID() (state.ID, error) {
	return state.FromParts(a.Username, a.ServerURL)
}

// Token is the OAuth-style credential bound to one account.
// RefreshingSinceTs is the refresh soft lock: non-zero while a refresh is
// in flight, considered stale after refreshLockTimeout.
type Token struct {
	AccountID         string `json:"account_id"`
	IDToken           string `json:"id_token"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	TokenType         string `json:"token_type,omitempty"`
	Scope             string `json:"scope,omitempty"`
	ExpiresAt         int64  `json:"expires_at"`
	RefreshingSinceTs int64  `json:"refreshing_since_ts,omitempty"`
}

// Expired reports whether the token's expiry has passed at the given
// unix timestamp.
func (t *Token) Expired(now int64) bool {
	return t.ExpiresAt > 0 && t.ExpiresAt <= now
}
