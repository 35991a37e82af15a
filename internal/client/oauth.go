package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pydio/cells-sync/internal/errors"
)

// tokenEndpoint is the server's OIDC token path.
const tokenEndpoint = "/oidc/oauth2/token"

// RefreshedToken is the outcome of a refresh-token exchange.
type RefreshedToken struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    int64
}

// RefreshToken exchanges a refresh token at the server's token endpoint.
// A rejected grant maps to ErrAuth; transport failures to ErrTransient.
func RefreshToken(ctx context.Context, httpClient *http.Client, serverURL, refreshToken string) (*RefreshedToken, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base.JoinPath(tokenEndpoint).String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", wrapTransport(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", wrapTransport(err))
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusOK:
		// fallthrough to parsing

	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, fmt.Errorf("refresh grant rejected (%d): %w", code, errors.ErrAuth)

	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("refreshing token: server returned %d: %w", code, errors.ErrTransient)

	default:
		return nil, fmt.Errorf("refreshing token: server returned %d", code)
	}

	t := &RefreshedToken{
		IDToken:      gjson.GetBytes(raw, "id_token").String(),
		RefreshToken: gjson.GetBytes(raw, "refresh_token").String(),
	}
	if t.IDToken == "" {
		t.IDToken = gjson.GetBytes(raw, "access_token").String()
	}
	if t.IDToken == "" {
		return nil, fmt.Errorf("token response carried no usable token: %w", errors.ErrAuth)
	}

	// A server may not rotate the refresh token.
	if t.RefreshToken == "" {
		t.RefreshToken = refreshToken
	}

	if expiresIn := gjson.GetBytes(raw, "expires_in").Int(); expiresIn > 0 {
		t.ExpiresAt = time.Now().Unix() + expiresIn
	}

	return t, nil
}
