// Package converge keeps a node's grant replica convergent with its
// peers: it queues mutations made while partitioned and reconciles
// bidirectionally on reconnect using the grant store's merge rule.
package converge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
)

// Peer is one remote node this replica reconciles with.
type Peer struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// Client is the timeout-bounded HTTP transport to peers. It implements
// the state exchange plus the requirement fetches the shadow resolver
// and cross-repo validation consume.
type Client struct {
	http    *http.Client
	timeout time.Duration
	token   string
}

// NewClient builds a peer client. token authenticates this node to its
// peers; timeout bounds every call.
func NewClient(token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		token:   token,
	}
}

// ExchangeState posts the local state to the peer's sync endpoint and
// returns the peer's state in response. One round trip merges both
// directions: the peer merges what we sent, we merge what it returned.
func (c *Client) ExchangeState(ctx context.Context, peer Peer, local grant.State) (grant.State, error) {
	body, err := json.Marshal(local)
	if err != nil {
		return grant.State{}, fmt.Errorf("converge: encode state: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, peer.BaseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return grant.State{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return grant.State{}, fmt.Errorf("converge: exchange with %s: %w", peer.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return grant.State{}, fmt.Errorf("converge: peer %s returned %d", peer.Name, resp.StatusCode)
	}

	var remote grant.State
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return grant.State{}, fmt.Errorf("converge: decode peer state: %w", err)
	}
	return remote, nil
}

// Fetch retrieves the full content of one requirement from a remote
// repository. Implements shadow.Source.
func (c *Client) Fetch(ctx context.Context, remote requirement.Remote, id string) (requirement.Requirement, error) {
	req, err := c.newRequest(ctx, http.MethodGet, remote.BaseURL+"/sync/requirements/"+id, nil)
	if err != nil {
		return requirement.Requirement{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return requirement.Requirement{}, fmt.Errorf("converge: fetch %s from %s: %w", id, remote.Alias, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return requirement.Requirement{}, fmt.Errorf("converge: requirement %s not found in %s", id, remote.Alias)
	}
	if resp.StatusCode != http.StatusOK {
		return requirement.Requirement{}, fmt.Errorf("converge: remote %s returned %d", remote.Alias, resp.StatusCode)
	}
	var out requirement.Requirement
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return requirement.Requirement{}, fmt.Errorf("converge: decode requirement: %w", err)
	}
	return out, nil
}

// FetchDatabase retrieves a remote's requirement database for cross-repo
// validation. Implements requirement.Fetcher.
func (c *Client) FetchDatabase(ctx context.Context, remote requirement.Remote) (*requirement.Database, error) {
	req, err := c.newRequest(ctx, http.MethodGet, remote.BaseURL+"/sync/database", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("converge: fetch database from %s: %w", remote.Alias, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("converge: remote %s returned %d", remote.Alias, resp.StatusCode)
	}
	var reqs []requirement.Requirement
	if err := json.NewDecoder(resp.Body).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("converge: decode database: %w", err)
	}
	return requirement.NewDatabase(reqs), nil
}

// Status implements requirement.StatusLookup by fetching the single
// requirement. ok is false when the remote is unreachable or the
// requirement is unknown there.
func (c *Client) statusOf(ctx context.Context, remote requirement.Remote, id string) (requirement.Status, bool) {
	req, err := c.Fetch(ctx, remote, id)
	if err != nil {
		return "", false
	}
	return req.Status, true
}

func (c *Client) newRequest(ctx context.Context, method, url string, body *bytes.Reader) (*http.Request, error) {
	var r *http.Request
	var err error
	if body == nil {
		r, err = http.NewRequestWithContext(ctx, method, url, nil)
	} else {
		r, err = http.NewRequestWithContext(ctx, method, url, body)
	}
	if err != nil {
		return nil, fmt.Errorf("converge: build request: %w", err)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	return r, nil
}

// StatusSource adapts the client and the remotes registry to
// requirement.StatusLookup for blocked-status computation.
type StatusSource struct {
	Client  *Client
	Remotes *requirement.Remotes
}

// Status resolves the reference to a configured remote and asks it.
func (s StatusSource) Status(ctx context.Context, ref requirement.Ref) (requirement.Status, bool) {
	remote, ok := s.Remotes.Resolve(ref)
	if !ok {
		return "", false
	}
	return s.Client.statusOf(ctx, remote, ref.ID)
}
