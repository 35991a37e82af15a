package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

type migratorFixture struct {
	migrator  *Migrator
	registry  *account.Registry
	store     *tree.Store
	ledger    *runtime.Ledger
	legacyDir string
}

func testMigrator(t *testing.T, clients ClientFactory) *migratorFixture {
	t.Helper()

	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "files")

	registry, err := account.OpenRegistryAt(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	store, err := tree.OpenStoreAt(filepath.Join(dir, "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger, err := runtime.OpenLedgerAt(filepath.Join(dir, "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &migratorFixture{
		migrator:  NewMigrator(registry, store, ledger, clients, legacyDir, logger),
		registry:  registry,
		store:     store,
		ledger:    ledger,
		legacyDir: legacyDir,
	}
}

func (f *migratorFixture) newJob(t *testing.T) int64 {
	t.Helper()
	jobID, err := f.ledger.CreateAndLaunch(runtime.OwnerWorker, runtime.TemplateMigration, "migration", 0, -1)
	require.NoError(t, err)
	return jobID
}

// legacyAccount describes one row set to seed into the fixture stores.
type legacyAccount struct {
	accountID string
	username  string
	serverURL string
	legacy    bool
	token     string // serialized jwt row, "" for none
	password  string // cookies row, "" for none
	watches   []legacyWatch
}

type legacyWatch struct {
	workspace string
	path      string
	encoded   string
}

func writeLegacyStores(t *testing.T, dir string, accounts ...legacyAccount) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))

	main, err := sql.Open("sqlite", filepath.Join(dir, MainDBName))
	require.NoError(t, err)
	defer main.Close()

	for _, stmt := range []string{
		"create table sessions (session_id text not null, content blob not null);",
		"create table tokens (session_id text not null, jwt text not null);",
		"create table cookies (user text primary key not null, password text);",
	} {
		_, err = main.Exec(stmt)
		require.NoError(t, err)
	}

	syncDB, err := sql.Open("sqlite", filepath.Join(dir, SyncDBName))
	require.NoError(t, err)
	defer syncDB.Close()

	_, err = syncDB.Exec("create table watched (" +
		"session_id varchar(255) not null, workspace_slug varchar(255) not null, " +
		"path text not null, workspace_label varchar(255), encoded text not null, " +
		"add_time int, last_sync_time int, active int(1) default 1);")
	require.NoError(t, err)

	for _, a := range accounts {
		blob := fmt.Sprintf(
			`{"accountID":%q,"username":%q,"serverUrl":%q,"skipVerify":false,"legacy":%v}`,
			a.accountID, a.username, a.serverURL, a.legacy)
		_, err = main.Exec("insert into sessions (session_id, content) values (?, ?)", a.accountID, []byte(blob))
		require.NoError(t, err)

		if a.token != "" {
			_, err = main.Exec("insert into tokens (session_id, jwt) values (?, ?)", a.accountID, a.token)
			require.NoError(t, err)
		}
		if a.password != "" {
			_, err = main.Exec("insert into cookies (user, password) values (?, ?)", a.accountID, a.password)
			require.NoError(t, err)
		}

		for _, w := range a.watches {
			_, err = syncDB.Exec(
				"insert into watched (session_id, workspace_slug, path, encoded, add_time, last_sync_time, active) "+
					"values (?, ?, ?, ?, 1690000000, 1695000000, 1)",
				a.accountID, w.workspace, w.path, w.encoded)
			require.NoError(t, err)
		}
	}
}

const aliceToken = `{"idToken":"jwt-alice","refreshToken":"refresh-alice","tokenType":"Bearer","scope":"openid","expirationTime":9999999999}`

func aliceCells(watches ...legacyWatch) legacyAccount {
	return legacyAccount{
		accountID: "alice@cells.example.com",
		username:  "alice",
		serverURL: "https://cells.example.com",
		token:     aliceToken,
		watches:   watches,
	}
}

func docsWatch() legacyWatch {
	return legacyWatch{
		workspace: "common",
		path:      "/docs",
		encoded:   `{"name":"docs","size":1234,"lastModified":1690000000,"etag":"w-etag","isLeaf":false}`,
	}
}

func TestHasLegacyData(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasLegacyData(dir))

	writeLegacyStores(t, dir)
	assert.True(t, HasLegacyData(dir))
}

func TestMigrate_DecisionTable(t *testing.T) {
	cases := []struct {
		name       string
		oldVersion int
		newVersion int
		withFiles  bool
		wantErr    bool
		wantStatus string
	}{
		{"same version is a no-op", 101, 101, true, false, runtime.StatusDone},
		{"fresh install is a no-op", 0, 101, false, false, runtime.StatusDone},
		{"current generation is a no-op", 110, 111, true, false, runtime.StatusDone},
		{"missing expected files aborts", 50, 101, false, true, runtime.StatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := testMigrator(t, nil)
			if tc.withFiles {
				writeLegacyStores(t, f.legacyDir, aliceCells())
			}

			jobID := f.newJob(t)
			n, err := f.migrator.Migrate(context.Background(), jobID, tc.oldVersion, tc.newVersion)
			assert.Zero(t, n)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			job, gerr := f.ledger.Get(jobID)
			require.NoError(t, gerr)
			assert.Equal(t, tc.wantStatus, job.Status)

			// No-op rows never register anything.
			accounts, lerr := f.registry.List()
			require.NoError(t, lerr)
			assert.Empty(t, accounts)
		})
	}
}

func TestMigrate_CellsAccountWithToken(t *testing.T) {
	f := testMigrator(t, nil)
	writeLegacyStores(t, f.legacyDir, aliceCells(docsWatch()))

	jobID := f.newJob(t)
	n, err := f.migrator.Migrate(context.Background(), jobID, 2, CurrentGeneration)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := state.FromParts("alice", "https://cells.example.com")
	require.NoError(t, err)

	a, err := f.registry.Get(id.AccountID())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, account.AuthConnected, a.AuthStatus)
	assert.False(t, a.IsLegacy)

	tok, err := f.registry.Token(id.AccountID())
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "jwt-alice", tok.IDToken)
	assert.Equal(t, "refresh-alice", tok.RefreshToken)

	root := id.WithPath("/common/docs")
	saved, err := f.store.GetOfflineRoot(root)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, tree.RootMigrated, saved.Status)
	assert.Equal(t, int64(1695000000), saved.LastCheckTs)

	row, err := f.store.Get(root)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "docs", row.Name)
	assert.True(t, row.Folder)
	assert.Equal(t, "w-etag", row.Etag)

	job, err := f.ledger.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusDone, job.Status)

	// A fully successful batch removes the sources and bumps the marker.
	assert.False(t, HasLegacyData(f.legacyDir))
	assert.Equal(t, CurrentGeneration, f.ledger.InstalledVersion())
}

func TestMigrate_P8PasswordRecovered(t *testing.T) {
	f := testMigrator(t, nil)

	encrypted, err := encryptPassword("p8-secret", deviceSecret())
	require.NoError(t, err)

	writeLegacyStores(t, f.legacyDir, legacyAccount{
		accountID: "bob@p8.example.com",
		username:  "bob",
		serverURL: "https://p8.example.com",
		legacy:    true,
		password:  encrypted,
	})

	jobID := f.newJob(t)
	_, err = f.migrator.Migrate(context.Background(), jobID, 2, CurrentGeneration)
	require.NoError(t, err)

	id, err := state.FromParts("bob", "https://p8.example.com")
	require.NoError(t, err)

	a, err := f.registry.Get(id.AccountID())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.IsLegacy)
	assert.Equal(t, account.AuthConnected, a.AuthStatus)

	pwd, err := f.registry.Password(id.AccountID())
	require.NoError(t, err)
	assert.Equal(t, "p8-secret", pwd)
}

func TestMigrate_PartialFailureIsolation(t *testing.T) {
	f := testMigrator(t, nil)

	// Three accounts; the second has no recoverable credential.
	writeLegacyStores(t, f.legacyDir,
		aliceCells(docsWatch()),
		legacyAccount{
			accountID: "carol@cells.example.com",
			username:  "carol",
			serverURL: "https://cells.example.com",
		},
		legacyAccount{
			accountID: "dave@other.example.com",
			username:  "dave",
			serverURL: "https://other.example.com",
			token:     aliceToken,
		},
	)

	jobID := f.newJob(t)
	_, err := f.migrator.Migrate(context.Background(), jobID, 2, CurrentGeneration)
	require.NoError(t, err)

	byUser := func(username, serverURL string) *account.Account {
		id, err := state.FromParts(username, serverURL)
		require.NoError(t, err)
		a, err := f.registry.Get(id.AccountID())
		require.NoError(t, err)
		require.NotNil(t, a, username)
		return a
	}

	assert.Equal(t, account.AuthConnected, byUser("alice", "https://cells.example.com").AuthStatus)
	assert.Equal(t, account.AuthNoCreds, byUser("carol", "https://cells.example.com").AuthStatus)
	assert.Equal(t, account.AuthConnected, byUser("dave", "https://other.example.com").AuthStatus)

	// An unrecoverable credential is not a failure: the job ends done.
	job, err := f.ledger.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusDone, job.Status)
	assert.Equal(t, int64(3), job.Total)
	assert.Equal(t, int64(3), job.Progress)
}

func TestMigrate_SecondRunIsNoOp(t *testing.T) {
	f := testMigrator(t, nil)
	writeLegacyStores(t, f.legacyDir, aliceCells(docsWatch()))

	n, err := f.migrator.Migrate(context.Background(), f.newJob(t), 2, CurrentGeneration)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The caller re-reads the installed version; the first table row
	// fires and nothing changes.
	oldVersion := f.ledger.InstalledVersion()
	n, err = f.migrator.Migrate(context.Background(), f.newJob(t), oldVersion, CurrentGeneration)
	require.NoError(t, err)
	assert.Zero(t, n)

	accounts, err := f.registry.List()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestMigrate_ExistingAccountKeepsItsCredential(t *testing.T) {
	f := testMigrator(t, nil)
	writeLegacyStores(t, f.legacyDir, aliceCells(docsWatch()))

	// The account already exists in the current schema with a newer token.
	id, err := f.registry.Register(account.Account{
		Username:  "alice",
		ServerURL: "https://cells.example.com",
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.SaveToken(account.Token{AccountID: id, IDToken: "current-jwt"}))

	_, err = f.migrator.Migrate(context.Background(), f.newJob(t), 2, CurrentGeneration)
	require.NoError(t, err)

	tok, err := f.registry.Token(id)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "current-jwt", tok.IDToken)

	// The offline watch still came across.
	acct, err := state.FromParts("alice", "https://cells.example.com")
	require.NoError(t, err)
	saved, err := f.store.GetOfflineRoot(acct.WithPath("/common/docs"))
	require.NoError(t, err)
	assert.NotNil(t, saved)
}

func TestMigrate_PrefersLiveMetadata(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := client.NewMockClient(ctrl)
	cli.EXPECT().
		NodeInfo(gomock.Any(), "common", "/docs").
		Return(&client.FileNode{Name: "docs", Folder: true, Etag: "live-etag", Size: 9999}, nil)

	f := testMigrator(t, func(account.Account) (client.Client, error) { return cli, nil })
	writeLegacyStores(t, f.legacyDir, aliceCells(docsWatch()))

	_, err := f.migrator.Migrate(context.Background(), f.newJob(t), 2, CurrentGeneration)
	require.NoError(t, err)

	acct, err := state.FromParts("alice", "https://cells.example.com")
	require.NoError(t, err)

	row, err := f.store.Get(acct.WithPath("/common/docs"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "live-etag", row.Etag)
	assert.Equal(t, int64(9999), row.Size)
}

func TestPasswordCrypto_RoundTrip(t *testing.T) {
	secret := deviceSecret()

	encrypted, err := encryptPassword("hunter2", secret)
	require.NoError(t, err)
	assert.Contains(t, encrypted, encPrefix)

	plain, err := decryptPassword(encrypted, secret)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = decryptPassword(encrypted, []byte("wrong secret"))
	assert.Error(t, err)
}
