package account

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pydio/cells-sync/internal/errors"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistryAt(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegister_DeterministicID(t *testing.T) {
	r := testRegistry(t)

	id1, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice@cells.example.com", id1)

	// Same pair, different URL spelling: same row.
	id2, err := r.Register(Account{Username: "alice", ServerURL: "cells.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	accounts, err := r.List()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestRegister_PreservesCreatedTs(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)

	first, err := r.Get(id)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com", SkipVerify: true})
	require.NoError(t, err)

	second, err := r.Get(id)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.CreatedTs, second.CreatedTs)
	assert.True(t, second.SkipVerify)
}

func TestMarkAuthStatus(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)

	require.NoError(t, r.MarkAuthStatus(id, AuthExpired))

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, AuthExpired, a.AuthStatus)

	assert.Error(t, r.MarkAuthStatus("nobody@nowhere", AuthExpired))
}

func TestDelete_RemovesToken(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)
	require.NoError(t, r.SaveToken(Token{AccountID: id, IDToken: "jwt"}))

	require.NoError(t, r.Delete(id))

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Nil(t, a)

	tok, err := r.Token(id)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestPassword_RoundTripAndCascade(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "bob", ServerURL: "https://p8.example.com", IsLegacy: true})
	require.NoError(t, err)
	require.NoError(t, r.SavePassword(id, "s3cret"))

	pwd, err := r.Password(id)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pwd)

	require.NoError(t, r.Delete(id))

	pwd, err = r.Password(id)
	require.NoError(t, err)
	assert.Empty(t, pwd)
}

func TestBeginRefresh_SoftLock(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)
	require.NoError(t, r.SaveToken(Token{AccountID: id, IDToken: "jwt", RefreshToken: "refresh"}))

	tok, err := r.BeginRefresh(id)
	require.NoError(t, err)
	assert.Positive(t, tok.RefreshingSinceTs)

	// Second claim while the first is in flight is rejected.
	_, err = r.BeginRefresh(id)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRefreshInFlight)

	require.NoError(t, r.CompleteRefresh(id, &Token{IDToken: "jwt2", RefreshToken: "refresh2", ExpiresAt: time.Now().Unix() + 3600}))

	stored, err := r.Token(id)
	require.NoError(t, err)
	assert.Equal(t, "jwt2", stored.IDToken)
	assert.Zero(t, stored.RefreshingSinceTs)

	// Lock is free again.
	_, err = r.BeginRefresh(id)
	require.NoError(t, err)
}

func TestBeginRefresh_StaleLockTakeover(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)

	// A refresh stamp from a crashed attempt, well past the lock window.
	stale := time.Now().Unix() - 10*60
	require.NoError(t, r.SaveToken(Token{AccountID: id, IDToken: "jwt", RefreshingSinceTs: stale}))

	tok, err := r.BeginRefresh(id)
	require.NoError(t, err)
	assert.Greater(t, tok.RefreshingSinceTs, stale)
}

func TestCompleteRefresh_FailureClearsLock(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(Account{Username: "alice", ServerURL: "https://cells.example.com"})
	require.NoError(t, err)
	require.NoError(t, r.SaveToken(Token{AccountID: id, IDToken: "jwt"}))

	_, err = r.BeginRefresh(id)
	require.NoError(t, err)

	// Refresh failed: no new token, but the lock must go.
	require.NoError(t, r.CompleteRefresh(id, nil))

	stored, err := r.Token(id)
	require.NoError(t, err)
	assert.Equal(t, "jwt", stored.IDToken)
	assert.Zero(t, stored.RefreshingSinceTs)
}

func TestToken_Expired(t *testing.T) {
	now := time.Now().Unix()

	assert.True(t, (&Token{ExpiresAt: now - 1}).Expired(now))
	assert.False(t, (&Token{ExpiresAt: now + 60}).Expired(now))
	assert.False(t, (&Token{}).Expired(now), "zero expiry means no expiry known")
}
