// Package protect is the camera-NVR connector: REST session
// authentication with an API-key fallback, a framed duplex socket for
// live events, and a polling fallback when the socket cannot be
// established. Endpoint paths are opaque configuration; the contract
// is the returned JSON.
package protect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aegisfabric/aegis/internal/connector"
	"github.com/aegisfabric/aegis/internal/fault"
)

const (
	sessionCookie = "session_token"
	csrfCookie    = "csrf_token"
	apiKeyHeader  = "X-API-Key"
	csrfHeader    = "X-CSRF-Token"
)

// Client is the NVR REST client. Authentication state is mutated only
// by Authenticate; request helpers read it under the lock.
type Client struct {
	baseURL string
	http    *http.Client

	username string
	password string
	apiKey   string

	loginPath     string
	bootstrapPath string
	eventsPath    string

	mu           sync.RWMutex
	sessionToken string
	csrfToken    string
	useSession   bool
}

// Bootstrap is the NVR's initial state object.
type Bootstrap struct {
	AccessKey    string           `json:"accessKey"`
	LastUpdateID string           `json:"lastUpdateId"`
	Cameras      []map[string]any `json:"cameras"`
}

func newClient(cfg Config) *Client {
	return &Client{
		baseURL:       cfg.BaseURL,
		http:          &http.Client{Timeout: 15 * time.Second},
		username:      cfg.Username,
		password:      cfg.Password,
		apiKey:        cfg.APIKey,
		loginPath:     cfg.LoginPath,
		bootstrapPath: cfg.BootstrapPath,
		eventsPath:    cfg.EventsPath,
	}
}

// Authenticate establishes credentials: the session path is tried
// first whenever a username and password are configured, and the API
// key stands in when the session path fails. No credentials at all is
// a config error.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.username != "" && c.password != "" {
		err := c.login(ctx)
		if err == nil {
			return nil
		}
		if c.apiKey == "" {
			return err
		}
		// Second-factor challenges and rejected passwords both fall
		// back to the key when one is configured.
	}
	if c.apiKey == "" {
		return fault.New(fault.KindConfig, "protect.auth", "no credentials configured")
	}
	c.mu.Lock()
	c.useSession = false
	c.mu.Unlock()
	// Prove the key works before declaring the connector connected.
	_, err := c.Bootstrap(ctx)
	return err
}

// login performs the username/password exchange and captures the
// session cookie pair. A second-factor challenge in the response is
// surfaced as an auth error carrying the challenge detail.
func (c *Client) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.loginPath, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.KindConfig, "protect.login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindUnreachable, "protect.login", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.Newf(fault.KindAuth, "protect.login", "login rejected: %s", http.StatusText(resp.StatusCode))
	case resp.StatusCode >= 400:
		return fault.Newf(fault.KindUpstream, "protect.login", "login returned %d", resp.StatusCode)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if challenge, ok := parsed["mfaChallenge"]; ok {
			return fault.Newf(fault.KindAuth, "protect.login", "second factor required: %v", challenge)
		}
		if required, ok := parsed["mfaRequired"].(bool); ok && required {
			return fault.New(fault.KindAuth, "protect.login", "second factor required")
		}
	}

	var session, csrf string
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case sessionCookie:
			session = ck.Value
		case csrfCookie:
			csrf = ck.Value
		}
	}
	if session == "" {
		return fault.New(fault.KindAuth, "protect.login", "login response carried no session cookie")
	}

	c.mu.Lock()
	c.sessionToken = session
	c.csrfToken = csrf
	c.useSession = true
	c.mu.Unlock()
	return nil
}

// Bootstrap fetches the NVR's bootstrap object: cameras, the socket
// access key, and the update cursor.
func (c *Client) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	var bs Bootstrap
	if err := c.getJSON(ctx, c.bootstrapPath, &bs); err != nil {
		return nil, err
	}
	return &bs, nil
}

// Events polls for events after the given cursor id. An empty cursor
// returns the most recent page.
func (c *Client) Events(ctx context.Context, sinceID string) ([]map[string]any, error) {
	path := c.eventsPath
	if sinceID != "" {
		path += "?since=" + sinceID
	}
	var out []map[string]any
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, into any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fault.Wrap(fault.KindProtocol, "protect.get", err)
	}
	return nil
}

// do issues an authenticated request and classifies HTTP failures. A
// 429 surfaces as a CooldownError carrying the advertised wait so the
// runtime can honor it.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "protect.request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "protect.request", err)
		}
		return nil, fault.Wrap(fault.KindUnreachable, "protect.request", err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fault.Newf(fault.KindAuth, "protect.request", "%s %s: %d", method, path, resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, &connector.CooldownError{
			After: retryAfter(resp),
			Err:   fault.Newf(fault.KindUpstream, "protect.request", "%s %s: 429", method, path),
		}
	default:
		return nil, fault.Newf(fault.KindUpstream, "protect.request", "%s %s: %d", method, path, resp.StatusCode)
	}
}

// decorate attaches session cookies or the API key header.
func (c *Client) decorate(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.useSession && c.sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.sessionToken})
		if c.csrfToken != "" {
			req.AddCookie(&http.Cookie{Name: csrfCookie, Value: c.csrfToken})
			req.Header.Set(csrfHeader, c.csrfToken)
		}
		return
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// apiKeyValue exposes the key for the socket upgrade headers.
func (c *Client) apiKeyValue() string { return c.apiKey }
