package account

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pydio/cells-sync/internal/errors"
	"github.com/pydio/cells-sync/internal/state"
)

const (
	registryDirPerm  = fs.FileMode(0o700)
	registryFilePerm = fs.FileMode(0o600)

	// registryOpenTimeout is the maximum time to wait for the bolt lock.
	registryOpenTimeout = 5 * time.Second

	// refreshLockTimeout is how long a refresh soft lock is honored before
	// another caller may take it over. A refresh normally completes in
	// seconds; a lock older than this belongs to a crashed attempt.
	refreshLockTimeout = 300 * time.Second
)

var (
	accountsBucket  = []byte("accounts")
	tokensBucket    = []byte("tokens")
	passwordsBucket = []byte("passwords")
)

// Registry wraps the bbolt database holding accounts and tokens.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens (creating if needed) the account database at
// <dir>/accounts.db.
func OpenRegistry(dir string) (*Registry, error) {
	return OpenRegistryAt(filepath.Join(dir, "accounts.db"))
}

// OpenRegistryAt opens a registry database at the given path. Useful for
// tests that need an isolated database.
func OpenRegistryAt(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), registryDirPerm); err != nil {
		return nil, fmt.Errorf("creating account directory: %w", err)
	}

	db, err := bolt.Open(path, registryFilePerm, &bolt.Options{Timeout: registryOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening account db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{accountsBucket, tokensBucket, passwordsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing account db: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register inserts or updates an account. The ID is always re-derived
// from (username, serverURL); a caller-supplied ID is ignored.
func (r *Registry) Register(a Account) (string, error) {
	id, err := state.FromParts(a.Username, a.ServerURL)
	if err != nil {
		return "", fmt.Errorf("registering account: %w", err)
	}

	a.ID = id.AccountID()
	if a.AuthStatus == "" {
		a.AuthStatus = AuthConnected
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)

		now := time.Now().Unix()
		if v := b.Get([]byte(a.ID)); v != nil {
			var prev Account
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}

			a.CreatedTs = prev.CreatedTs
		} else {
			a.CreatedTs = now
		}
		a.UpdatedTs = now

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put([]byte(a.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("registering account %s: %w", a.ID, err)
	}

	return a.ID, nil
}

// Get returns an account by ID, or nil when unknown.
func (r *Registry) Get(accountID string) (*Account, error) {
	var a *Account

	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get([]byte(accountID))
		if v == nil {
			return nil
		}

		a = &Account{}

		return json.Unmarshal(v, a)
	})
	if err != nil {
		return nil, fmt.Errorf("reading account %s: %w", accountID, err)
	}

	return a, nil
}

// List returns all registered accounts.
func (r *Registry) List() ([]Account, error) {
	var accounts []Account

	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			accounts = append(accounts, a)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	return accounts, nil
}

// Delete removes an account together with its token and stored password.
func (r *Registry) Delete(accountID string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(accountsBucket).Delete([]byte(accountID)); err != nil {
			return err
		}
		if err := tx.Bucket(tokensBucket).Delete([]byte(accountID)); err != nil {
			return err
		}

		return tx.Bucket(passwordsBucket).Delete([]byte(accountID))
	})
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", accountID, err)
	}

	return nil
}

// MarkAuthStatus updates the auth status shown for an account, e.g. to
// "expired" after an authentication failure.
func (r *Registry) MarkAuthStatus(accountID, status string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)

		v := b.Get([]byte(accountID))
		if v == nil {
			return fmt.Errorf("no account %s", accountID)
		}

		var a Account
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}

		a.AuthStatus = status
		a.UpdatedTs = time.Now().Unix()

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put([]byte(accountID), data)
	})
	if err != nil {
		return fmt.Errorf("marking auth status for %s: %w", accountID, err)
	}

	return nil
}

// SaveToken persists a token for an account.
func (r *Registry) SaveToken(t Token) error {
	if t.AccountID == "" {
		return fmt.Errorf("token has no account id")
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return tx.Bucket(tokensBucket).Put([]byte(t.AccountID), data)
	})
	if err != nil {
		return fmt.Errorf("saving token for %s: %w", t.AccountID, err)
	}

	return nil
}

// Token returns the token for an account, or nil when none is stored.
func (r *Registry) Token(accountID string) (*Token, error) {
	var t *Token

	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(accountID))
		if v == nil {
			return nil
		}

		t = &Token{}

		return json.Unmarshal(v, t)
	})
	if err != nil {
		return nil, fmt.Errorf("reading token for %s: %w", accountID, err)
	}

	return t, nil
}

// DeleteToken removes the token for an account.
func (r *Registry) DeleteToken(accountID string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(accountID))
	})
	if err != nil {
		return fmt.Errorf("deleting token for %s: %w", accountID, err)
	}

	return nil
}

// SavePassword stores a pre-OAuth password credential for an account.
// Only accounts pointing at a legacy server still authenticate this way.
func (r *Registry) SavePassword(accountID, password string) error {
	if accountID == "" {
		return fmt.Errorf("password has no account id")
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(passwordsBucket).Put([]byte(accountID), []byte(password))
	})
	if err != nil {
		return fmt.Errorf("saving password for %s: %w", accountID, err)
	}

	return nil
}

// Password returns the stored password for an account, "" when none.
func (r *Registry) Password(accountID string) (string, error) {
	var password string

	err := r.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(passwordsBucket).Get([]byte(accountID)); v != nil {
			password = string(v)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading password for %s: %w", accountID, err)
	}

	return password, nil
}

// BeginRefresh claims the refresh soft lock for an account's token. It
// stamps RefreshingSinceTs inside a single update transaction, so at most
// one caller wins; losers get ErrRefreshInFlight. A lock older than
// refreshLockTimeout is treated as abandoned and taken over.
func (r *Registry) BeginRefresh(accountID string) (*Token, error) {
	var t *Token

	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(accountID))
		if v == nil {
			return fmt.Errorf("no token for %s: %w", accountID, errors.ErrNotFound)
		}

		t = &Token{}
		if err := json.Unmarshal(v, t); err != nil {
			return err
		}

		now := time.Now().Unix()
		if t.RefreshingSinceTs > 0 && now-t.RefreshingSinceTs < int64(refreshLockTimeout.Seconds()) {
			return fmt.Errorf("refresh started %ds ago: %w", now-t.RefreshingSinceTs, errors.ErrRefreshInFlight)
		}

		t.RefreshingSinceTs = now

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return b.Put([]byte(accountID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("beginning refresh for %s: %w", accountID, err)
	}

	return t, nil
}

// CompleteRefresh releases the soft lock, storing the refreshed token
// when the refresh succeeded or just clearing the stamp when it failed.
func (r *Registry) CompleteRefresh(accountID string, refreshed *Token) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		t := refreshed
		if t == nil {
			v := b.Get([]byte(accountID))
			if v == nil {
				return nil
			}

			t = &Token{}
			if err := json.Unmarshal(v, t); err != nil {
				return err
			}
		}

		t.AccountID = accountID
		t.RefreshingSinceTs = 0

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return b.Put([]byte(accountID), data)
	})
	if err != nil {
		return fmt.Errorf("completing refresh for %s: %w", accountID, err)
	}

	return nil
}
