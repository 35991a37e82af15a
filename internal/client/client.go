// Package client defines the remote file-tree client used by the sync
// and transfer layers, plus its HTTP implementation for Pydio Cells
// servers. Callers depend on the interface; tests use the generated mock.
package client

import (
	"context"
	"io"
)

//go:generate mockgen -source=client.go -destination=mock_client.go -package=client

// FileNode is one remote file-system entry as reported by the server.
type FileNode struct {
	// Path is the slash-separated path inside the workspace, with a
	// leading slash.
	Workspace string
	Path      string
	Name      string
	Folder    bool
	Size      int64
	Mime      string
	ModTs     int64
	Etag      string
}

// PageOptions controls paged folder listings.
type PageOptions struct {
	Offset int
	Limit  int
}

// NodeList is one page of a folder listing. NextOffset is -1 on the
// last page.
type NodeList struct {
	Nodes      []FileNode
	Total      int
	NextOffset int
}

// Client is the remote collaborator: stat, list, download, upload.
// Implementations map server failures onto the error kinds in
// internal/errors; callers bound every call with a context.
type Client interface {
	// Ping verifies the server is reachable and the credential accepted.
	Ping(ctx context.Context) error

	// NodeInfo stats a single node.
	NodeInfo(ctx context.Context, workspace, path string) (*FileNode, error)

	// ListFolder returns one page of a folder's direct children,
	// name-ordered.
	ListFolder(ctx context.Context, workspace, path string, opts PageOptions) (*NodeList, error)

	// Download streams a node's content starting at offset. The boolean
	// reports whether the server honored the range; when false the
	// stream starts at zero regardless of the requested offset.
	Download(ctx context.Context, workspace, path string, offset int64) (io.ReadCloser, bool, error)

	// Upload sends a node's content and returns the resulting etag.
	Upload(ctx context.Context, workspace, path string, r io.Reader, size int64) (string, error)
}
