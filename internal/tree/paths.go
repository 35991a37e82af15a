package tree

import (
	"path/filepath"
	"strings"

	"github.com/pydio/cells-sync/internal/state"
)

// AccountDir returns the local mirror directory for an account,
// <dataDir>/files/<accountID>. Slashes from a server base path are
// flattened so the account key stays a single directory segment.
func AccountDir(dataDir string, account state.ID) string {
	seg := strings.ReplaceAll(account.AccountID(), "/", "-")

	return filepath.Join(dataDir, "files", seg)
}

// LocalPath returns the on-disk mirror location for a node.
func LocalPath(dataDir string, id state.ID) string {
	rel := strings.TrimPrefix(id.Path(), "/")

	return filepath.Join(AccountDir(dataDir, id), filepath.FromSlash(rel))
}
