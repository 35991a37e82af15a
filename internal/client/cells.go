package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pydio/cells-sync/internal/errors"
)

// TokenProvider returns the bearer token for the next request. Wiring it
// as a callback lets the account registry refresh tokens without the
// client holding credential state.
type TokenProvider func(ctx context.Context) (string, error)

// Cells talks to a Pydio Cells server over its REST and io endpoints.
type Cells struct {
	httpClient *http.Client
	base       *url.URL
	token      TokenProvider
}

// NewCells creates a client for the given server URL. If httpClient is
// nil a default one with the given timeout is used.
func NewCells(serverURL string, token TokenProvider, httpClient *http.Client) (*Cells, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "https://" + serverURL
	}

	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL %q: %w", serverURL, err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Cells{httpClient: httpClient, base: base, token: token}, nil
}

// NewHTTPClient builds an http.Client with the given timeout, optionally
// skipping certificate verification for self-signed servers.
func NewHTTPClient(timeout time.Duration, skipVerify bool) *http.Client {
	c := &http.Client{Timeout: timeout}
	if skipVerify {
		c.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return c
}

// Ping verifies the server is reachable and the credential accepted.
func (c *Cells) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/a/frontend/state", nil, nil)
	if err != nil {
		return fmt.Errorf("pinging server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("pinging server", resp)
	}

	return nil
}

// NodeInfo stats a single node via the bulk meta endpoint.
func (c *Cells) NodeInfo(ctx context.Context, workspace, nodePath string) (*FileNode, error) {
	body := map[string]any{
		"NodePaths": []string{joinNodePath(workspace, nodePath)},
	}

	resp, err := c.do(ctx, http.MethodPost, "/a/meta/bulk", body, nil)
	if err != nil {
		return nil, fmt.Errorf("reading node info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("reading node info", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading node info response: %w", err)
	}

	first := gjson.GetBytes(raw, "Nodes.0")
	if !first.Exists() {
		return nil, fmt.Errorf("node %s not listed: %w", joinNodePath(workspace, nodePath), errors.ErrNotFound)
	}

	node := parseNode(first)

	return &node, nil
}

// ListFolder returns one page of a folder's direct children.
func (c *Cells) ListFolder(ctx context.Context, workspace, folderPath string, opts PageOptions) (*NodeList, error) {
	body := map[string]any{
		"NodePaths": []string{joinNodePath(workspace, folderPath) + "/*"},
		"Offset":    opts.Offset,
		"Limit":     opts.Limit,
	}

	resp, err := c.do(ctx, http.MethodPost, "/a/meta/bulk", body, nil)
	if err != nil {
		return nil, fmt.Errorf("listing folder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("listing folder", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading folder listing: %w", err)
	}

	list := &NodeList{NextOffset: -1}
	gjson.GetBytes(raw, "Nodes").ForEach(func(_, n gjson.Result) bool {
		list.Nodes = append(list.Nodes, parseNode(n))
		return true
	})

	pag := gjson.GetBytes(raw, "Pagination")
	if pag.Exists() {
		list.Total = int(pag.Get("Total").Int())
		if next := pag.Get("NextOffset"); next.Exists() && next.Int() > int64(opts.Offset) {
			list.NextOffset = int(next.Int())
		}
	} else {
		list.Total = len(list.Nodes)
	}

	return list, nil
}

// Download streams a node's content, honoring a range request when the
// server does.
func (c *Cells) Download(ctx context.Context, workspace, nodePath string, offset int64) (io.ReadCloser, bool, error) {
	headers := http.Header{}
	if offset > 0 {
		headers.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.do(ctx, http.MethodGet, ioPath(workspace, nodePath), nil, headers)
	if err != nil {
		return nil, false, fmt.Errorf("downloading %s: %w", nodePath, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, true, nil
	case http.StatusOK:
		return resp.Body, false, nil
	default:
		err := c.statusError("downloading "+nodePath, resp)
		resp.Body.Close()

		return nil, false, err
	}
}

// Upload sends a node's content and returns the resulting etag.
func (c *Cells) Upload(ctx context.Context, workspace, nodePath string, r io.Reader, size int64) (string, error) {
	u := *c.base
	u.Path = path.Join(u.Path, ioPath(workspace, nodePath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), r)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.ContentLength = size

	if err := c.authorize(req); err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", nodePath, wrapTransport(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.statusError("uploading "+nodePath, resp)
	}

	return strings.Trim(resp.Header.Get("Etag"), `"`), nil
}

func (c *Cells) do(ctx context.Context, method, endpoint string, body any, headers http.Header) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	u := *c.base
	u.Path = path.Join(u.Path, endpoint)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, wrapTransport(err))
	}

	return resp, nil
}

func (c *Cells) authorize(req *http.Request) error {
	if c.token == nil {
		return nil
	}

	token, err := c.token(req.Context())
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return nil
}

// statusError maps a non-OK response onto the error taxonomy: 401/403 are
// auth failures, 404 is not-found, 408/429/5xx are transient.
func (c *Cells) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := gjson.GetBytes(raw, "Title").String()
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", op, msg, errors.ErrAuth)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, msg, errors.ErrNotFound)
	case code == http.StatusConflict:
		return fmt.Errorf("%s: %s: %w", op, msg, errors.ErrConflict)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: %s: %w", op, msg, errors.ErrTransient)
	default:
		return fmt.Errorf("%s: server returned %d: %s", op, code, msg)
	}
}

// wrapTransport marks connection-level failures transient so the retry
// policy picks them up. Context cancellation passes through untouched.
func wrapTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.IsTransient(err) {
		return err
	}

	return fmt.Errorf("%w: %w", errors.ErrTransient, err)
}

// parseNode decodes one node object from a bulk meta response. Cells
// serializes numeric fields as strings, hence the tolerant decoding.
func parseNode(n gjson.Result) FileNode {
	full := strings.TrimPrefix(n.Get("Path").String(), "/")

	ws := full
	rest := ""
	if i := strings.Index(full, "/"); i >= 0 {
		ws = full[:i]
		rest = full[i:]
	}
	if rest == "" {
		rest = "/"
	}

	mime := n.Get(`MetaStore.mime`).String()
	if strings.HasPrefix(mime, `"`) {
		mime = gjson.Parse(mime).String()
	}

	return FileNode{
		Workspace: ws,
		Path:      rest,
		Name:      path.Base(full),
		Folder:    n.Get("Type").String() == "COLLECTION",
		Size:      n.Get("Size").Int(),
		Mime:      mime,
		ModTs:     n.Get("MTime").Int(),
		Etag:      strings.Trim(n.Get("Etag").String(), `"`),
	}
}

func joinNodePath(workspace, nodePath string) string {
	p := strings.Trim(nodePath, "/")
	if p == "" {
		return workspace
	}

	return workspace + "/" + p
}

func ioPath(workspace, nodePath string) string {
	return "/io/" + joinNodePath(workspace, nodePath)
}
