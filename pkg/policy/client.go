// Package policy asks an external decision oracle whether a gated request
// may proceed. Every failure mode collapses to deny.
package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
)

const DefaultTimeout = 3 * time.Second

// Input is the decision query sent as {"input": ...}.
type Input struct {
	Method        string   `json:"method"`
	Path          string   `json:"path"`
	User          string   `json:"user"`
	Email         string   `json:"email"`
	Groups        []string `json:"groups"`
	Authenticated bool     `json:"authenticated"`
	Secure        bool     `json:"secure"`
}

// InputFrom projects the fields the oracle sees out of a request context.
func InputFrom(rc identity.RequestContext) Input {
	groups := rc.Groups
	if groups == nil {
		groups = []string{}
	}
	return Input{
		Method:        rc.Method,
		Path:          rc.Path,
		User:          rc.User,
		Email:         rc.Email,
		Groups:        groups,
		Authenticated: rc.Authenticated,
		Secure:        rc.Secure,
	}
}

type query struct {
	Input Input `json:"input"`
}

type decision struct {
	Result *struct {
		Allow *bool `json:"allow"`
	} `json:"result"`
}

// Client calls the oracle at URL. The zero Timeout means DefaultTimeout.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(url string, client *http.Client, timeout time.Duration) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{URL: url, HTTPClient: client, Timeout: timeout}
}

// Decide returns the verdict along with the reason it was reached.
// Reason is "allow" for an explicit affirmative result.
func (c *Client) Decide(ctx context.Context, in Input) (bool, string) {
	body, err := json.Marshal(query{Input: in})
	if err != nil {
		return false, "encode"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := httpx.Do(ctxTimeout, c.HTTPClient, http.MethodPost, c.URL, body, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	})
	return reduce(resp, err)
}

// Allowed reports whether the oracle explicitly allowed in.
func (c *Client) Allowed(ctx context.Context, in Input) bool {
	ok, _ := c.Decide(ctx, in)
	return ok
}

// reduce is the single place an oracle exchange becomes a verdict.
func reduce(resp httpx.Response, err error) (bool, string) {
	if err != nil {
		return false, "transport"
	}
	if !resp.OK() {
		return false, "status"
	}
	var d decision
	if err := json.Unmarshal(resp.Body, &d); err != nil {
		return false, "malformed"
	}
	if d.Result == nil || d.Result.Allow == nil {
		return false, "missing"
	}
	if !*d.Result.Allow {
		return false, "deny"
	}
	return true, "allow"
}
