package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pydio/cells-sync/internal/state"
)

const (
	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

func nodesBucket(accountID string) []byte {
	return []byte("nodes:" + accountID)
}

func offlineBucket(accountID string) []byte {
	return []byte("offline:" + accountID)
}

func filesBucket(accountID string) []byte {
	return []byte("files:" + accountID)
}

// Store wraps the bbolt database holding tree rows, offline roots and
// local-copy records, one bucket of each per account.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the tree database at <dir>/nodes.db.
func OpenStore(dir string) (*Store, error) {
	return OpenStoreAt(filepath.Join(dir, "nodes.db"))
}

// OpenStoreAt opens a tree database at the given path. Useful for tests
// that need an isolated database.
func OpenStoreAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating tree directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening tree db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes a node row, keyed by its path within the account bucket.
// Calling it twice with identical data leaves a single unchanged row.
// Remote metadata never clobbers local divergence tracking: an incoming
// row with no local status keeps the stored one. An etag change drops the
// local-copy record, so stale cached content is re-fetched before use.
func (s *Store) Upsert(node Node) error {
	id, err := node.ID()
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}

	node.SortName = sortName(node.Name, node.Folder)
	node.LastCheckTs = time.Now().Unix()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodesBucket(id.AccountID()))
		if err != nil {
			return err
		}

		key := []byte(id.Path())

		if v := b.Get(key); v != nil {
			var prev Node
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}

			if node.LocalModStatus == StatusNone {
				node.LocalModStatus = prev.LocalModStatus
				node.LocalModTs = prev.LocalModTs
			}
			node.Flags |= prev.Flags

			if prev.Etag != "" && prev.Etag != node.Etag {
				if fb := tx.Bucket(filesBucket(id.AccountID())); fb != nil {
					if err := fb.Delete(key); err != nil {
						return err
					}
				}
			}
		}

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("upserting node %s: %w", node.EncodedState, err)
	}

	return nil
}

// Get returns the node row for an ID, or nil when unknown.
func (s *Store) Get(id state.ID) (*Node, error) {
	var node *Node

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(id.AccountID()))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id.Path()))
		if v == nil {
			return nil
		}

		node = &Node{}

		return json.Unmarshal(v, node)
	})
	if err != nil {
		return nil, fmt.Errorf("reading node %s: %w", id, err)
	}

	return node, nil
}

// ListChildren returns the direct children of a folder, folders first,
// then files, case-insensitively by name within each group.
func (s *Store) ListChildren(parent state.ID) ([]Node, error) {
	prefix := parent.Path() + "/"

	var children []Node

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(parent.AccountID()))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			if strings.Contains(string(k[len(prefix):]), "/") {
				continue
			}

			var node Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}

			children = append(children, node)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}

	sort.Slice(children, func(i, j int) bool {
		return children[i].SortName < children[j].SortName
	})

	return children, nil
}

// MarkLocalStatus records local divergence for a node. Nodes removed
// remotely are marked "deleted" here first; the row itself is only purged
// once a full pass confirms the absence.
func (s *Store) MarkLocalStatus(id state.ID, status string) error {
	return s.mutate(id, func(node *Node) {
		node.LocalModStatus = status
		node.LocalModTs = time.Now().Unix()
	})
}

// SetFlag sets or clears one flag bit on a node.
func (s *Store) SetFlag(id state.ID, flag int, on bool) error {
	return s.mutate(id, func(node *Node) {
		if on {
			node.Flags |= flag
		} else {
			node.Flags &^= flag
		}
	})
}

// Delete removes a node row and its local-copy record.
func (s *Store) Delete(id state.ID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(id.Path())

		if b := tx.Bucket(nodesBucket(id.AccountID())); b != nil {
			if err := b.Delete(key); err != nil {
				return err
			}
		}

		if fb := tx.Bucket(filesBucket(id.AccountID())); fb != nil {
			if err := fb.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}

	return nil
}

// DeleteUnder removes a node row and every row below it, along with the
// matching local-copy records and offline roots.
func (s *Store) DeleteUnder(id state.ID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		prefix := []byte(id.Path())

		for _, name := range [][]byte{
			nodesBucket(id.AccountID()),
			filesBucket(id.AccountID()),
			offlineBucket(id.AccountID()),
		} {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}

			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if len(k) > len(prefix) && k[len(prefix)] != '/' {
					continue
				}

				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting subtree %s: %w", id, err)
	}

	return nil
}

// SaveOfflineRoot registers or updates an offline root and sets the
// offline-root flag on the node row when present.
func (s *Store) SaveOfflineRoot(root OfflineRoot) error {
	id, err := state.Parse(root.EncodedState)
	if err != nil {
		return fmt.Errorf("saving offline root: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(offlineBucket(id.AccountID()))
		if err != nil {
			return err
		}

		data, err := json.Marshal(root)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(id.Path()), data); err != nil {
			return err
		}

		if nb := tx.Bucket(nodesBucket(id.AccountID())); nb != nil {
			if v := nb.Get([]byte(id.Path())); v != nil {
				var node Node
				if err := json.Unmarshal(v, &node); err != nil {
					return err
				}

				node.Flags |= FlagOfflineRoot

				data, err := json.Marshal(node)
				if err != nil {
					return err
				}

				if err := nb.Put([]byte(id.Path()), data); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving offline root %s: %w", root.EncodedState, err)
	}

	return nil
}

// GetOfflineRoot returns the offline root row for an ID, or nil.
func (s *Store) GetOfflineRoot(id state.ID) (*OfflineRoot, error) {
	var root *OfflineRoot

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(offlineBucket(id.AccountID()))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id.Path()))
		if v == nil {
			return nil
		}

		root = &OfflineRoot{}

		return json.Unmarshal(v, root)
	})
	if err != nil {
		return nil, fmt.Errorf("reading offline root %s: %w", id, err)
	}

	return root, nil
}

// OfflineRoots returns all offline roots registered for an account.
func (s *Store) OfflineRoots(account state.ID) ([]OfflineRoot, error) {
	var roots []OfflineRoot

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(offlineBucket(account.AccountID()))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var root OfflineRoot
			if err := json.Unmarshal(v, &root); err != nil {
				return err
			}

			roots = append(roots, root)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing offline roots for %s: %w", account.AccountID(), err)
	}

	return roots, nil
}

// RemoveOfflineRoot unregisters an offline root and clears the flag on the
// node row. Cached files are not touched; cleanup is a separate job.
func (s *Store) RemoveOfflineRoot(id state.ID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(offlineBucket(id.AccountID())); b != nil {
			if err := b.Delete([]byte(id.Path())); err != nil {
				return err
			}
		}

		if nb := tx.Bucket(nodesBucket(id.AccountID())); nb != nil {
			if v := nb.Get([]byte(id.Path())); v != nil {
				var node Node
				if err := json.Unmarshal(v, &node); err != nil {
					return err
				}

				node.Flags &^= FlagOfflineRoot

				data, err := json.Marshal(node)
				if err != nil {
					return err
				}

				return nb.Put([]byte(id.Path()), data)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("removing offline root %s: %w", id, err)
	}

	return nil
}

// RecordLocalFile notes that the node's content has been cached locally
// under the given etag.
func (s *Store) RecordLocalFile(id state.ID, etag string, size int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(filesBucket(id.AccountID()))
		if err != nil {
			return err
		}

		data, err := json.Marshal(LocalFile{
			EncodedState: id.Encoded(),
			Etag:         etag,
			Size:         size,
			FetchedTs:    time.Now().Unix(),
		})
		if err != nil {
			return err
		}

		return b.Put([]byte(id.Path()), data)
	})
	if err != nil {
		return fmt.Errorf("recording local file %s: %w", id, err)
	}

	return nil
}

// LocalFileFor returns the local-copy record for a node, or nil.
func (s *Store) LocalFileFor(id state.ID) (*LocalFile, error) {
	var lf *LocalFile

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket(id.AccountID()))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id.Path()))
		if v == nil {
			return nil
		}

		lf = &LocalFile{}

		return json.Unmarshal(v, lf)
	})
	if err != nil {
		return nil, fmt.Errorf("reading local file record %s: %w", id, err)
	}

	return lf, nil
}

// NeedsUpdate reports whether the locally cached content for a node is
// missing or was fetched under a different etag.
func (s *Store) NeedsUpdate(id state.ID, etag string) bool {
	lf, err := s.LocalFileFor(id)
	if err != nil || lf == nil {
		return true
	}

	return lf.Etag != etag
}

func (s *Store) mutate(id state.ID, fn func(node *Node)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(id.AccountID()))
		if b == nil {
			return fmt.Errorf("no rows for account %s", id.AccountID())
		}

		v := b.Get([]byte(id.Path()))
		if v == nil {
			return fmt.Errorf("no node at %s", id)
		}

		var node Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}

		fn(&node)

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}

		return b.Put([]byte(id.Path()), data)
	})
	if err != nil {
		return fmt.Errorf("updating node %s: %w", id, err)
	}

	return nil
}
