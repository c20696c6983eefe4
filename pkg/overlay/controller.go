// Package overlay toggles the overlay firewall posture on a set of switch
// nodes through the controller, using a server-held credential.
package overlay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"sdngate/pkg/flows"
	"sdngate/pkg/httpx"
)

// NodeError identifies the node, controller path and status of a failed write.
type NodeError struct {
	Node   string
	Path   string
	Status int
	Clear  bool
	Err    error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ODL %s %s: %v", e.Node, e.Path, e.Err)
	}
	if e.Clear {
		return fmt.Sprintf("ODL clear table0 %s -> %d", e.Node, e.Status)
	}
	return fmt.Sprintf("ODL %s %s -> %d", e.Node, e.Path, e.Status)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Credential is the basic-auth pair used for every privileged call. It never
// comes from the caller.
type Credential struct {
	User     string
	Password string
}

// Header renders the Authorization value.
func (c Credential) Header() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.User+":"+c.Password))
}

// Controller issues privileged flow-table writes.
type Controller struct {
	Base       string
	Credential Credential
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewController(base string, cred Credential, client *http.Client, timeout time.Duration) *Controller {
	if client == nil {
		client = &http.Client{}
	}
	return &Controller{
		Base:       base,
		Credential: cred,
		HTTPClient: client,
		Timeout:    timeout,
	}
}

func (c *Controller) call(ctx context.Context, method, path string, body []byte) (httpx.Response, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return httpx.Do(ctx, c.HTTPClient, method, c.Base+path, body, map[string]string{
		"Authorization": c.Credential.Header(),
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	})
}

// InstallAllowSet writes the five allow-set rules on node in order and stops
// at the first failure.
func (c *Controller) InstallAllowSet(ctx context.Context, node string) error {
	for _, rule := range flows.AllowSet() {
		path := rule.Path(node)
		body, err := rule.Body()
		if err != nil {
			return &NodeError{Node: node, Path: path, Err: err}
		}
		resp, err := c.call(ctx, http.MethodPut, path, body)
		if err != nil {
			return &NodeError{Node: node, Path: path, Err: err}
		}
		if !resp.OK() {
			return &NodeError{Node: node, Path: path, Status: resp.StatusCode}
		}
	}
	return nil
}

// ClearAllFlows deletes node's whole table 0. Nothing to delete is success.
func (c *Controller) ClearAllFlows(ctx context.Context, node string) error {
	path := flows.TablePath(node)
	resp, err := c.call(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return &NodeError{Node: node, Path: path, Clear: true, Err: err}
	}
	if resp.OK() || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return &NodeError{Node: node, Path: path, Status: resp.StatusCode, Clear: true}
}
