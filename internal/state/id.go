// Package state implements the encoded state identifier: the composite key
// combining an account (username + server) with a path inside that
// account's remote tree. Every tree node, transfer and offline root is
// addressed by such an ID.
package state

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ID addresses a node in a remote tree: account identity plus the
// slash-separated path "/workspace/sub/path". The zero value is invalid.
type ID struct {
	username string
	host     string
	path     string
}

// FromParts builds an account-level ID from a username and a server URL.
// The URL is reduced to a canonical host form (scheme and trailing slashes
// dropped, host lowercased) so the derived account ID is deterministic for
// a given (username, url) pair.
func FromParts(username, serverURL string) (ID, error) {
	if username == "" {
		return ID{}, fmt.Errorf("empty username")
	}

	host, err := cleanHost(serverURL)
	if err != nil {
		return ID{}, err
	}

	return ID{username: username, host: host}, nil
}

// Parse decodes an encoded state produced by Encoded. The account part
// never contains a literal slash (Encoded escapes any server base path),
// so the first slash always starts the node path.
func Parse(encoded string) (ID, error) {
	accountPart := encoded
	nodePath := ""

	if i := strings.Index(encoded, "/"); i >= 0 {
		accountPart = encoded[:i]
		nodePath = encoded[i:]
	}

	// The username may itself contain '@'; the host may not.
	at := strings.LastIndex(accountPart, "@")
	if at <= 0 || at == len(accountPart)-1 {
		return ID{}, fmt.Errorf("malformed encoded state %q", encoded)
	}

	username, err := url.PathUnescape(accountPart[:at])
	if err != nil {
		return ID{}, fmt.Errorf("malformed username in %q: %w", encoded, err)
	}

	host := strings.ReplaceAll(accountPart[at+1:], "%2F", "/")

	id := ID{username: username, host: host}
	if nodePath != "" {
		id = id.WithPath(nodePath)
	}

	return id, nil
}

// WithPath returns a copy of the ID pointing at the given path inside the
// account tree. Paths are cleaned and NFC-normalized before being used as
// keys, so the same remote entry always maps to the same row.
func (id ID) WithPath(p string) ID {
	p = norm.NFC.String(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	p = path.Clean(p)
	if p == "/" {
		p = ""
	}

	id.path = p

	return id
}

// Child returns the ID of a direct child entry.
func (id ID) Child(name string) ID {
	return id.WithPath(id.path + "/" + name)
}

// Parent returns the ID of the containing folder, or the account ID when
// already at a workspace root.
func (id ID) Parent() ID {
	if id.path == "" {
		return id
	}

	id.path = path.Dir(id.path)
	if id.path == "/" || id.path == "." {
		id.path = ""
	}

	return id
}

// Account strips the path, leaving the bare account identity.
func (id ID) Account() ID {
	id.path = ""
	return id
}

// AccountID is the derived composite account key, unique per
// (username, server) pair.
func (id ID) AccountID() string {
	return url.PathEscape(id.username) + "@" + id.host
}

func (id ID) Username() string { return id.username }

// Workspace returns the first path segment, or "" at account level.
func (id ID) Workspace() string {
	if id.path == "" {
		return ""
	}

	rest := id.path[1:]
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}

	return rest
}

// File returns the path inside the workspace, always with a leading slash
// ("/" at the workspace root), or "" at account level.
func (id ID) File() string {
	ws := id.Workspace()
	if ws == "" {
		return ""
	}

	rest := id.path[1+len(ws):]
	if rest == "" {
		return "/"
	}

	return rest
}

// FileName returns the last path segment, or "" at account level.
func (id ID) FileName() string {
	if id.path == "" {
		return ""
	}

	return path.Base(id.path)
}

// Path returns the full "/workspace/..." path, or "" at account level.
func (id ID) Path() string { return id.path }

// Encoded returns the canonical string form used as a storage key.
// Base-path slashes in the host are escaped so the account part stays a
// single segment and the encoded form parses back unambiguously; hosts
// cannot contain '%', so the escaping round-trips.
func (id ID) Encoded() string {
	host := strings.ReplaceAll(id.host, "/", "%2F")

	return url.PathEscape(id.username) + "@" + host + id.path
}

func (id ID) String() string { return id.Encoded() }

// IsAccount reports whether the ID carries no path.
func (id ID) IsAccount() bool { return id.path == "" }

func cleanHost(serverURL string) (string, error) {
	s := strings.TrimSpace(serverURL)
	if s == "" {
		return "", fmt.Errorf("empty server URL")
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing server URL %q: %w", serverURL, err)
	}

	host := strings.ToLower(u.Host)
	if host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}

	// Keep a non-root base path: some servers live under a prefix.
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		host += p
	}

	return host, nil
}
