// Package legacy reads the on-device databases left behind by the two
// previous client generations and rewrites their accounts, credentials
// and offline watches into the current stores. The sources are strictly
// read-only; the files are removed only after a fully successful batch.
package legacy

import (
	"os"
	"path/filepath"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
)

// The previous generations shared a pair of sqlite files under the app
// data directory: a main account+credential store and a sync store
// holding the offline watches.
const (
	MainDBName = "database.sqlite"
	SyncDBName = "sync.sqlite"
)

// otherDBNames are caches from the old generations with no migration
// value. They are deleted together with the source databases.
var otherDBNames = []string{
	"cache_database.sqlite",
	"poll_buffer.sqlite",
	"sync_buffer.sqlite",
	"sync_operations.sqlite",
	"sync_tree.sqlite",
	"thumbs.sqlite",
}

// Record is one account row read from a legacy store.
type Record struct {
	AccountID  string
	Username   string
	ServerURL  string
	SkipVerify bool

	// Legacy marks a password-based P8 server, as opposed to a
	// token-based Cells one.
	Legacy bool
}

// Credential is a recovered legacy credential. Exactly one field is set.
type Credential struct {
	Password string
	Token    *account.Token
}

// Watch is one subtree the old generation kept offline, with the file
// metadata it had cached for the root node.
type Watch struct {
	AccountID    string
	Workspace    string
	Path         string
	Node         client.FileNode
	AddTime      int64
	LastSyncTime int64
}

// AccountSource is a versioned read-only view over one legacy
// generation's stores.
type AccountSource interface {
	// Generation names the schema generation, for logs.
	Generation() string

	ListAccounts() ([]Record, error)

	// Credential recovers the stored credential for an account, nil when
	// nothing usable survived.
	Credential(rec Record) (*Credential, error)

	ListWatches(accountID string) ([]Watch, error)

	Close() error
}

// HasLegacyData reports whether the legacy database pair is present
// under dir.
func HasLegacyData(dir string) bool {
	for _, name := range []string{MainDBName, SyncDBName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}

	return true
}

// OpenSources opens one adapter per generation found under dir, P8 first.
// Both generations kept their rows in the same file pair, discriminated
// by the per-account legacy flag, so both adapters read the same files.
func OpenSources(dir string) ([]AccountSource, error) {
	p8, err := openP8Source(dir)
	if err != nil {
		return nil, err
	}

	v2, err := openV2Source(dir)
	if err != nil {
		p8.Close()
		return nil, err
	}

	return []AccountSource{p8, v2}, nil
}
