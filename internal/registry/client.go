// Package registry implements the HTTP client for the external session/KV
// store used for leader election.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nodewarden/validator-supervisor/internal/resilience"
)

// ErrSessionNotFound is returned by RenewSession when the registry reports
// the session no longer exists (HTTP 404).
var ErrSessionNotFound = errors.New("registry: session not found")

// Session is an opaque handle obtained from CreateSession.
type Session struct {
	ID   string
	Name string
	Node string
	TTL  time.Duration
}

// LeaderMetadata is written under the leader key by the instance that
// acquires it.
type LeaderMetadata struct {
	Hostname string `json:"Hostname"`
	NodeID   string `json:"NodeId"`
}

// KeyValue is a single entry returned by GetKey.
type KeyValue struct {
	LockIndex   int     `json:"LockIndex"`
	Key         string  `json:"Key"`
	Flags       int     `json:"Flags"`
	Value       string  `json:"Value"`
	Session     *string `json:"Session"`
	CreateIndex int     `json:"CreateIndex"`
	ModifyIndex int     `json:"ModifyIndex"`
}

// DecodedValue base64-decodes the KV entry's Value.
func (kv *KeyValue) DecodedValue() ([]byte, error) {
	return base64.StdEncoding.DecodeString(kv.Value)
}

// Client talks to the registry over HTTP, guarded by a circuit breaker so a
// partitioned registry fails fast instead of blocking the state machine.
type Client struct {
	http    *http.Client
	baseURL string

	mu    sync.RWMutex
	token string

	breaker *resilience.Breaker
}

// NewClient builds a registry client against baseURL (e.g. http://127.0.0.1:8500).
func NewClient(baseURL, token string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		token:   token,
		breaker: resilience.NewBreaker("registry"),
	}
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if tok := c.authHeader(); tok != "" {
		req.Header.Set("X-Consul-Token", tok)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var resp *http.Response
	err = c.breaker.Execute(ctx, func() error {
		r, doErr := c.http.Do(req)
		if doErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, doErr)
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("%s %s: transient status %d", method, path, r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateSession creates a new session named name with the given TTL, using
// Behavior=delete and LockDelay=0 so an acquired key releases immediately
// when the session dies.
func (c *Client) CreateSession(ctx context.Context, name string, ttl time.Duration) (*Session, error) {
	reqBody := struct {
		Name      string `json:"Name"`
		TTL       string `json:"TTL"`
		Behavior  string `json:"Behavior"`
		LockDelay string `json:"LockDelay"`
	}{
		Name:      name,
		TTL:       fmt.Sprintf("%ds", int(ttl.Seconds())),
		Behavior:  "delete",
		LockDelay: "0s",
	}

	resp, err := c.do(ctx, http.MethodPut, "/v1/session/create", nil, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		ID string `json:"ID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session create response: %w", err)
	}

	return &Session{ID: out.ID, Name: name, TTL: ttl}, nil
}

// GetSession fetches session info by ID; a nil Session means expired.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/session/info/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []struct {
		ID   string `json:"ID"`
		Name string `json:"Name"`
		Node string `json:"Node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session info response: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &Session{ID: out[0].ID, Name: out[0].Name, Node: out[0].Node}, nil
}

// RenewSession extends a session's TTL. ErrSessionNotFound is returned on a
// 404, distinct from other transient errors so the caller can transition
// cleanly to Registering.
func (c *Client) RenewSession(ctx context.Context, s *Session) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/session/renew/"+url.PathEscape(s.ID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renew session %s: unexpected status %d", s.ID, resp.StatusCode)
	}
	return nil
}

// DeleteSession destroys a session, releasing anything it held.
func (c *Client) DeleteSession(ctx context.Context, s *Session) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/session/destroy/"+url.PathEscape(s.ID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// GetKey fetches a KV entry. A nil result means the key does not exist.
func (c *Client) GetKey(ctx context.Context, key string) (*KeyValue, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/kv/"+key, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	var out []KeyValue
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode kv response: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// AcquireKey attempts to acquire key with value under session. It returns
// true only if the key was not already held by another live session.
func (c *Client) AcquireKey(ctx context.Context, key string, value []byte, s *Session) (bool, error) {
	q := url.Values{"acquire": []string{s.ID}}
	resp, err := c.do(ctx, http.MethodPut, "/v1/kv/"+key, q, json.RawMessage(value))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var acquired bool
	if err := json.NewDecoder(resp.Body).Decode(&acquired); err != nil {
		return false, fmt.Errorf("decode acquire response: %w", err)
	}
	return acquired, nil
}
