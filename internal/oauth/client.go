// Package oauth talks to the cTrader token endpoint: code exchange and
// refresh. The endpoint answers with camelCase or snake_case field names
// depending on the path that served it; both are normalized here.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
)

// DefaultTokenURL is the production token endpoint.
const DefaultTokenURL = "https://openapi.ctrader.com/apps/token"

const requestTimeout = 15 * time.Second

// Tokens is the normalized token endpoint response.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Exchanger is the surface the gateway consumes; tests stub it.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// Client implements Exchanger against a real token endpoint.
type Client struct {
	http         *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
}

func NewClient(tokenURL, clientID, clientSecret, redirectURI string) *Client {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Client{
		http:         &http.Client{Timeout: requestTimeout},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
	}
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.post(ctx, "authorization_code", form)
}

// Refresh trades a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.post(ctx, "refresh_token", form)
}

func (c *Client) post(ctx context.Context, grantType string, form url.Values) (*Tokens, error) {
	tokens, err := c.doPost(ctx, form)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitor.OAuthRequests.WithLabelValues(grantType, outcome).Inc()
	return tokens, err
}

func (c *Client) doPost(ctx context.Context, form url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var raw map[string]any
	if jsonErr := json.Unmarshal(body, &raw); jsonErr != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("parse token response: %w", jsonErr)
	}

	// The endpoint reports failures both via status and via error fields in
	// a 200 body.
	if msg := errorMessage(raw); msg != "" {
		return nil, fmt.Errorf("token endpoint rejected request: %s", msg)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	tokens := Normalize(raw)
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return tokens, nil
}

// Normalize maps a raw token response onto Tokens, accepting both field
// spellings.
func Normalize(raw map[string]any) *Tokens {
	return &Tokens{
		AccessToken:  pickString(raw, "accessToken", "access_token"),
		RefreshToken: pickString(raw, "refreshToken", "refresh_token"),
		ExpiresIn:    pickInt(raw, "expiresIn", "expires_in"),
	}
}

func errorMessage(raw map[string]any) string {
	code := pickString(raw, "errorCode", "error")
	if code == "" {
		return ""
	}
	if desc := pickString(raw, "description", "error_description"); desc != "" {
		return code + ": " + desc
	}
	return code
}

func pickString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func pickInt(raw map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}
