// Package sync implements the offline sync engine: remote subtree
// scanning, the cache diff, the per-root pass state machine, the periodic
// scheduler, and the local-modification watcher.
package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

// RemoteEntry pairs a scanned remote node with its state ID.
type RemoteEntry struct {
	ID   state.ID
	Node client.FileNode
}

// Diff is the outcome of comparing a scanned remote subtree against the
// cache rows below the same root.
type Diff struct {
	// Folders are remote folders to upsert (new or refreshed).
	Folders []RemoteEntry

	// ToDownload are files that are new, changed remotely, or missing
	// from the local mirror.
	ToDownload []RemoteEntry

	// Conflicts are files changed remotely while also carrying local
	// modifications. Remote metadata wins; the local copy is preserved
	// under a conflict name before the download.
	Conflicts []RemoteEntry

	// ToUpload are locally created or modified files whose remote side
	// did not change.
	ToUpload []tree.Node

	// ToDelete are cached rows with no remote counterpart.
	ToDelete []tree.Node

	Unchanged int
}

// Steps is the number of ledger steps a pass applying this diff takes.
func (d *Diff) Steps() int {
	return len(d.ToDownload) + len(d.Conflicts) + len(d.ToUpload) + len(d.ToDelete)
}

// Differ scans a remote subtree and compares it against the tree cache
// with an ordered merge-join per folder.
type Differ struct {
	cli      client.Client
	store    *tree.Store
	pageSize int
}

// NewDiffer creates a differ. pageSize bounds each remote listing page.
func NewDiffer(cli client.Client, store *tree.Store, pageSize int) *Differ {
	if pageSize <= 0 {
		pageSize = 100
	}

	return &Differ{cli: cli, store: store, pageSize: pageSize}
}

// ScanRemote walks the remote subtree under root, fetching paged folder
// listings, and returns the entries grouped by parent path.
func (d *Differ) ScanRemote(ctx context.Context, root state.ID) (map[string][]RemoteEntry, error) {
	byFolder := make(map[string][]RemoteEntry)

	queue := []state.ID{root}
	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		entries, err := d.listAll(ctx, folder)
		if err != nil {
			return nil, err
		}

		byFolder[folder.Path()] = entries

		for _, e := range entries {
			if e.Node.Folder {
				queue = append(queue, e.ID)
			}
		}
	}

	return byFolder, nil
}

func (d *Differ) listAll(ctx context.Context, folder state.ID) ([]RemoteEntry, error) {
	var entries []RemoteEntry

	offset := 0
	for {
		page, err := d.cli.ListFolder(ctx, folder.Workspace(), folder.File(), client.PageOptions{
			Offset: offset,
			Limit:  d.pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", folder, err)
		}

		for _, n := range page.Nodes {
			entries = append(entries, RemoteEntry{ID: folder.Child(n.Name), Node: n})
		}

		if page.NextOffset < 0 {
			break
		}
		offset = page.NextOffset
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Node.Name < entries[j].Node.Name
	})

	return entries, nil
}

// Compare merge-joins the scanned remote entries against the cache rows
// under root, folder by folder, both sides ordered by name.
func (d *Differ) Compare(root state.ID, remote map[string][]RemoteEntry) (*Diff, error) {
	diff := &Diff{}
	if err := d.compareFolder(root, remote, diff); err != nil {
		return nil, err
	}

	return diff, nil
}

func (d *Differ) compareFolder(folder state.ID, remote map[string][]RemoteEntry, diff *Diff) error {
	locals, err := d.store.ListChildren(folder)
	if err != nil {
		return err
	}

	sort.Slice(locals, func(i, j int) bool {
		return locals[i].Name < locals[j].Name
	})

	remotes := remote[folder.Path()]

	i, j := 0, 0
	for i < len(remotes) || j < len(locals) {
		switch {
		case j >= len(locals) || (i < len(remotes) && remotes[i].Node.Name < locals[j].Name):
			// Remote-only: a new entry.
			r := remotes[i]
			if r.Node.Folder {
				diff.Folders = append(diff.Folders, r)
				if err := d.compareFolder(r.ID, remote, diff); err != nil {
					return err
				}
			} else {
				diff.ToDownload = append(diff.ToDownload, r)
			}
			i++

		case i >= len(remotes) || remotes[i].Node.Name > locals[j].Name:
			// Local-only: deleted remotely, unless the local side created
			// or changed it while offline.
			l := locals[j]
			if !l.Folder && (l.LocalModStatus == tree.StatusCreated || l.LocalModStatus == tree.StatusModified) {
				diff.ToUpload = append(diff.ToUpload, l)
			} else {
				diff.ToDelete = append(diff.ToDelete, l)
			}
			j++

		default:
			r, l := remotes[i], locals[j]
			if err := d.compareEntry(r, l, remote, diff); err != nil {
				return err
			}
			i++
			j++
		}
	}

	return nil
}

func (d *Differ) compareEntry(r RemoteEntry, l tree.Node, remote map[string][]RemoteEntry, diff *Diff) error {
	// Type change: the old row goes, the new entry arrives.
	if r.Node.Folder != l.Folder {
		diff.ToDelete = append(diff.ToDelete, l)

		if r.Node.Folder {
			diff.Folders = append(diff.Folders, r)
			return d.compareFolder(r.ID, remote, diff)
		}

		diff.ToDownload = append(diff.ToDownload, r)

		return nil
	}

	if r.Node.Folder {
		diff.Folders = append(diff.Folders, r)
		return d.compareFolder(r.ID, remote, diff)
	}

	remoteChanged := r.Node.Etag != l.Etag || r.Node.Size != l.Size || r.Node.ModTs != l.RemoteModTs

	locallyEdited := l.LocalModStatus == tree.StatusModified || l.LocalModStatus == tree.StatusCreated

	switch {
	case remoteChanged && locallyEdited:
		diff.Conflicts = append(diff.Conflicts, r)
	case locallyEdited:
		diff.ToUpload = append(diff.ToUpload, l)
	case remoteChanged || l.LocalModStatus == tree.StatusDeleted || d.store.NeedsUpdate(r.ID, r.Node.Etag):
		// Changed remotely, removed locally, or never mirrored.
		diff.ToDownload = append(diff.ToDownload, r)
	default:
		diff.Unchanged++
	}

	return nil
}
