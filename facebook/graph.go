// Package facebook contains a minimal Graph API client used to verify mobile login
// tokens and exchange them for long-lived tokens.
package facebook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	fbendpoint "golang.org/x/oauth2/facebook"
)

// DefaultGraphURL is the versioned Graph API root.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// ErrInvalidToken is returned when Graph rejects the user access token (OAuthException 190).
var ErrInvalidToken = errors.New("facebook: invalid or expired access token")

// Profile is the subset of /me the backend needs.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the Graph API on behalf of one Facebook app.
type Client struct {
	AppID      string
	AppSecret  string
	BaseURL    string
	HTTPClient *http.Client
}

// GraphError is the error envelope Graph returns on non-2xx responses.
type GraphError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("facebook graph error %d (%s code %d): %s", e.Status, e.Type, e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	if e.Code == 190 || e.Status == http.StatusUnauthorized {
		return ErrInvalidToken
	}
	return nil
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultGraphURL
}

func (c *Client) tokenURL() string {
	if c.BaseURL == "" {
		return fbendpoint.Endpoint.TokenURL
	}
	return c.baseURL() + "/oauth/access_token"
}

// httpContext carries the configured client into oauth2 so tests can inject a transport.
func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// AppSecretProof returns the HMAC-SHA256 of accessToken keyed with the app secret.
func (c *Client) AppSecretProof(accessToken string) string {
	mac := hmac.New(sha256.New, []byte(c.AppSecret))
	mac.Write([]byte(accessToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// Me resolves the profile that owns accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (*Profile, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	hc := oauth2.NewClient(c.httpContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	q := url.Values{}
	q.Set("fields", "id,name")
	if c.AppSecret != "" {
		q.Set("appsecret_proof", c.AppSecretProof(accessToken))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/me?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := doJSON(hc, req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("facebook: /me returned no id")
	}
	return &p, nil
}

// ExchangeToken trades a short-lived user token for a long-lived one.
func (c *Client) ExchangeToken(ctx context.Context, accessToken string) (*oauth2.Token, error) {
	if c.AppID == "" || c.AppSecret == "" {
		return nil, errors.New("facebook: app id and secret required for token exchange")
	}
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", c.AppID)
	q.Set("client_secret", c.AppSecret)
	q.Set("fb_exchange_token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := doJSON(c.http(), req, &res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("facebook: empty access_token in exchange response")
	}
	return &oauth2.Token{
		AccessToken: res.AccessToken,
		TokenType:   res.TokenType,
		Expiry:      ComputeExpiry(res.ExpiresIn),
	}, nil
}

// ComputeExpiry returns the absolute expiry for a relative lifetime. Graph omits
// expires_in for tokens that never expire, reported here as the zero time.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func doJSON(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope struct {
			Error *GraphError `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error != nil {
			envelope.Error.Status = resp.StatusCode
			return envelope.Error
		}
		return &GraphError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
