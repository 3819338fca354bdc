// Package identity resolves tenant account uuids to logins.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"logarchive/pkg/telemetry"
)

// DefaultTTL bounds how long a resolved login is reused.
const DefaultTTL = 10 * time.Minute

// ErrUnknownAccount is returned when the service has no such account.
var ErrUnknownAccount = errors.New("unknown account")

type cacheEntry struct {
	login   string
	expires time.Time
}

// Client queries the identity service over HTTP.
type Client struct {
	base   string
	http   *http.Client
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	logins map[string]cacheEntry
}

// New returns a client for the service at baseURL. transport may be nil.
func New(baseURL string, transport http.RoundTripper) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse identity url: %w", err)
	}
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: 15 * time.Second, Transport: telemetry.HTTPTransport(transport)},
		ttl:    DefaultTTL,
		now:    time.Now,
		logins: make(map[string]cacheEntry),
	}, nil
}

// AccountLogin returns the login of the account with the given uuid.
func (c *Client) AccountLogin(ctx context.Context, uuid string) (string, error) {
	if login, ok := c.cached(uuid); ok {
		return login, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/accounts/"+url.PathEscape(uuid), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("get account %s: %w", uuid, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, uuid)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("get account %s unexpected status %d: %s", uuid, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var body struct {
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode account %s: %w", uuid, err)
	}
	if body.Account.Login == "" {
		return "", fmt.Errorf("%w: %s has no login", ErrUnknownAccount, uuid)
	}

	c.mu.Lock()
	c.logins[uuid] = cacheEntry{login: body.Account.Login, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return body.Account.Login, nil
}

func (c *Client) cached(uuid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.logins {
		if now.After(entry.expires) {
			delete(c.logins, key)
		}
	}
	entry, ok := c.logins[uuid]
	return entry.login, ok
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
