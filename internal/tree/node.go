// Package tree implements the local cache of remote file-tree metadata:
// one row per remote node, flags, local modification tracking, offline
// roots, and the etag-keyed bookkeeping for locally cached file copies.
package tree

import (
	"strings"

	"github.com/pydio/cells-sync/internal/state"
)

// Node flags, stored as a bitmask.
const (
	FlagBookmarked  = 1
	FlagOfflineRoot = 2
	FlagShared      = 4
)

// Local modification status values. Empty means the local copy matches
// the last known remote state.
const (
	StatusNone     = ""
	StatusModified = "modified"
	StatusDeleted  = "deleted"
	StatusCreated  = "created"
)

// Offline root lifecycle status values.
const (
	RootNew      = "new"
	RootActive   = "active"
	RootMigrated = "migrated"
)

// Node mirrors one remote file-system entry.
type Node struct {
	EncodedState   string `json:"encoded_state"`
	Name           string `json:"name"`
	Folder         bool   `json:"folder"`
	Mime           string `json:"mime,omitempty"`
	Size           int64  `json:"size"`
	RemoteModTs    int64  `json:"remote_mod_ts"`
	Etag           string `json:"etag,omitempty"`
	LocalModStatus string `json:"local_mod_status,omitempty"`
	LocalModTs     int64  `json:"local_mod_ts,omitempty"`
	Flags          int    `json:"flags,omitempty"`
	SortName       string `json:"sort_name"`
	LastCheckTs    int64  `json:"last_check_ts,omitempty"`
}

// ID parses the node's encoded state back into a state ID.
func (n *Node) ID() (state.ID, error) {
	return state.Parse(n.EncodedState)
}

// HasFlag reports whether the given flag bit is set.
func (n *Node) HasFlag(flag int) bool {
	return n.Flags&flag != 0
}

// IsLocallyModified reports whether the local copy has diverged from the
// last known remote state.
func (n *Node) IsLocallyModified() bool {
	return n.LocalModStatus != StatusNone
}

// sortName orders folders before files, case-insensitively within each
// group. Computed on upsert so listings can sort on a single key.
func sortName(name string, folder bool) string {
	prefix := "1-"
	if folder {
		prefix = "0-"
	}

	return prefix + strings.ToLower(name)
}

// OfflineRoot marks a subtree to be kept fully mirrored locally.
type OfflineRoot struct {
	EncodedState string `json:"encoded_state"`
	Status       string `json:"status"`
	LastCheckTs  int64  `json:"last_check_ts,omitempty"`
	Message      string `json:"message,omitempty"`
}

// LocalFile records a locally cached copy of a node's content, keyed by
// the etag it was fetched under. An etag mismatch means the copy is stale.
type LocalFile struct {
	EncodedState string `json:"encoded_state"`
	Etag         string `json:"etag"`
	Size         int64  `json:"size"`
	FetchedTs    int64  `json:"fetched_ts"`
}
