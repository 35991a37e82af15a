package legacy

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
)

// v2Source reads the intermediate-generation schema: gson-serialized
// session blobs in the main store, JWT rows keyed by session, and
// offline watches with an encoded file node in the sync store.
type v2Source struct {
	main *sql.DB
	sync *sql.DB
}

func openV2Source(dir string) (*v2Source, error) {
	main, err := openReadOnly(filepath.Join(dir, MainDBName))
	if err != nil {
		return nil, err
	}

	syncDB, err := openReadOnly(filepath.Join(dir, SyncDBName))
	if err != nil {
		main.Close()
		return nil, err
	}

	return &v2Source{main: main, sync: syncDB}, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening legacy db %s: %w", filepath.Base(path), err)
	}

	return db, nil
}

func (s *v2Source) Generation() string { return "v2" }

func (s *v2Source) ListAccounts() ([]Record, error) {
	return listSessionRecords(s.main, false)
}

func (s *v2Source) Credential(rec Record) (*Credential, error) {
	row := s.main.QueryRow("select jwt from tokens where session_id = ?", rec.AccountID)

	var serialized string
	if err := row.Scan(&serialized); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("reading legacy token for %s: %w", rec.AccountID, err)
	}

	t := parseLegacyToken(serialized)
	if t.IDToken == "" {
		return nil, nil
	}

	return &Credential{Token: &t}, nil
}

func (s *v2Source) ListWatches(accountID string) ([]Watch, error) {
	rows, err := s.sync.Query(
		"select session_id, workspace_slug, path, encoded, add_time, last_sync_time "+
			"from watched where active = 1 and session_id = ?", accountID)
	if err != nil {
		return nil, fmt.Errorf("reading legacy watches for %s: %w", accountID, err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		var w Watch
		var encoded string
		if err := rows.Scan(&w.AccountID, &w.Workspace, &w.Path, &encoded, &w.AddTime, &w.LastSyncTime); err != nil {
			return nil, fmt.Errorf("scanning legacy watch: %w", err)
		}

		w.Node = parseLegacyNode(encoded, w.Workspace, w.Path)
		watches = append(watches, w)
	}

	return watches, rows.Err()
}

func (s *v2Source) Close() error {
	err := s.main.Close()
	if serr := s.sync.Close(); err == nil {
		err = serr
	}

	return err
}

// listSessionRecords reads the gson session blobs, keeping only rows
// whose legacy flag matches. Blobs written by the oldest builds used
// m-prefixed field names; those are normalized before decoding.
func listSessionRecords(db *sql.DB, legacy bool) ([]Record, error) {
	rows, err := db.Query("select session_id, content from sessions")
	if err != nil {
		return nil, fmt.Errorf("reading legacy sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var sid string
		var blob []byte
		if err := rows.Scan(&sid, &blob); err != nil {
			return nil, fmt.Errorf("scanning legacy session: %w", err)
		}

		body := normalizeSessionJSON(string(blob))
		if !gjson.Valid(body) {
			// One corrupt blob does not abort the listing.
			continue
		}

		rec := Record{
			AccountID:  gjson.Get(body, "accountID").String(),
			Username:   gjson.Get(body, "username").String(),
			ServerURL:  gjson.Get(body, "serverUrl").String(),
			SkipVerify: gjson.Get(body, "skipVerify").Bool(),
			Legacy:     gjson.Get(body, "legacy").Bool(),
		}
		if rec.AccountID == "" {
			rec.AccountID = sid
		}

		if rec.Username != "" && rec.ServerURL != "" && rec.Legacy == legacy {
			records = append(records, rec)
		}
	}

	return records, rows.Err()
}

var oldFieldNames = strings.NewReplacer(
	"mHost", "host",
	"mScheme", "scheme",
	"mPort", "port",
	"mPath", "path",
	"mVersionName", "versionName",
	"mVersion", "version",
	"mIconURL", "iconURL",
	"mWelcomeMessage", "welcomeMessage",
	"mLabel", "label",
	"mUrl", "url",
	"mSSLContext", "sslContext",
	"mSSLUnverified", "sslUnverified",
	"mLegacy", "legacy",
	"mProperties", "properties",
)

func normalizeSessionJSON(body string) string {
	if !strings.Contains(body, "mHost") {
		return body
	}

	return oldFieldNames.Replace(body)
}

// parseLegacyToken decodes a serialized SDK token, tolerating both field
// spellings the old generations produced.
func parseLegacyToken(serialized string) account.Token {
	t := account.Token{
		IDToken:      firstString(serialized, "idToken", "id_token", "value"),
		RefreshToken: firstString(serialized, "refreshToken", "refresh_token"),
		TokenType:    firstString(serialized, "tokenType", "token_type"),
		Scope:        gjson.Get(serialized, "scope").String(),
	}

	if exp := gjson.Get(serialized, "expirationTime"); exp.Exists() {
		t.ExpiresAt = exp.Int()
	} else {
		t.ExpiresAt = gjson.Get(serialized, "expiresAt").Int()
	}

	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}

	return t
}

// parseLegacyNode decodes the encoded file node cached for a watch. The
// workspace and path columns are authoritative; the blob only supplies
// the file metadata.
func parseLegacyNode(encoded, workspace, path string) client.FileNode {
	n := client.FileNode{
		Workspace: workspace,
		Path:      path,
		Name:      filepath.Base(path),
		Folder:    true,
	}

	if !gjson.Valid(encoded) {
		return n
	}

	if name := firstString(encoded, "name", "properties.text"); name != "" {
		n.Name = name
	}

	n.Size = firstInt(encoded, "size", "bytesize", "properties.bytesize")
	n.ModTs = firstInt(encoded, "lastModified", "properties.ajxp_modiftime")
	n.Etag = firstString(encoded, "eTag", "etag", "properties.etag")
	n.Mime = firstString(encoded, "mime", "mimeType", "properties.mime")

	if leaf := gjson.Get(encoded, "isLeaf"); leaf.Exists() {
		n.Folder = !leaf.Bool()
	}

	return n
}

func firstString(body string, paths ...string) string {
	for _, p := range paths {
		if v := gjson.Get(body, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

func firstInt(body string, paths ...string) int64 {
	for _, p := range paths {
		if v := gjson.Get(body, p); v.Exists() {
			return v.Int()
		}
	}

	return 0
}
