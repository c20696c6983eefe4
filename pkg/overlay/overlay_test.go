package overlay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

type fakeController struct {
	mu     sync.Mutex
	calls  []recordedCall
	status func(n int, method, path string) int
}

func (f *fakeController) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.EscapedPath(), Auth: r.Header.Get("Authorization"), Body: string(body)})
		n := len(f.calls)
		f.mu.Unlock()
		code := http.StatusOK
		if f.status != nil {
			code = f.status(n, r.Method, r.URL.Path)
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeController) flowIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, c := range f.calls {
		if i := strings.LastIndex(c.Path, "/flow/"); i >= 0 {
			out = append(out, c.Path[i+len("/flow/"):])
		}
	}
	return out
}

func newTestController(srv *httptest.Server) *Controller {
	return NewController(srv.URL, Credential{User: "admin", Password: "secret"}, srv.Client(), time.Second)
}

func TestInstallAllowSetOrder(t *testing.T) {
	fc := &fakeController{}
	srv := fc.server(t)
	c := newTestController(srv)

	require.NoError(t, c.InstallAllowSet(context.Background(), "openflow:1"))
	assert.Equal(t, []string{"50", "60", "110", "120", "10"}, fc.flowIDs())
	for _, call := range fc.calls {
		assert.Equal(t, http.MethodPut, call.Method)
		assert.Equal(t, "Basic YWRtaW46c2VjcmV0", call.Auth)
		assert.True(t, strings.HasPrefix(call.Path, "/restconf/config/opendaylight-inventory:nodes/node/openflow:1/table/0/flow/"))
		assert.Contains(t, call.Body, `"flow":[`)
	}
}

func TestInstallAllowSetStopsOnThirdWrite(t *testing.T) {
	fc := &fakeController{status: func(n int, _, _ string) int {
		if n == 3 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}}
	srv := fc.server(t)
	c := newTestController(srv)

	err := c.InstallAllowSet(context.Background(), "openflow:7")
	require.Error(t, err)
	assert.Equal(t, []string{"50", "60", "110"}, fc.flowIDs())

	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "openflow:7", ne.Node)
	assert.Equal(t, http.StatusInternalServerError, ne.Status)
	assert.Equal(t, "ODL openflow:7 /restconf/config/opendaylight-inventory:nodes/node/openflow:7/table/0/flow/110 -> 500", err.Error())
}

func TestClearAllFlows(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusNotFound, true},
		{http.StatusConflict, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		fc := &fakeController{status: func(int, string, string) int { return tc.status }}
		srv := fc.server(t)
		err := newTestController(srv).ClearAllFlows(context.Background(), "openflow:2")
		if tc.ok {
			assert.NoError(t, err, "status %d", tc.status)
		} else {
			require.Error(t, err, "status %d", tc.status)
			assert.Equal(t, "ODL clear table0 openflow:2 -> "+strconv.Itoa(tc.status), err.Error())
		}
		require.Len(t, fc.calls, 1)
		assert.Equal(t, http.MethodDelete, fc.calls[0].Method)
		assert.Equal(t, "/restconf/config/opendaylight-inventory:nodes/node/openflow:2/table/0/", fc.calls[0].Path)
	}
}

func TestControllerTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c := NewController(base, Credential{}, nil, time.Second)
	err := c.ClearAllFlows(context.Background(), "openflow:1")
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Clear)
	assert.Error(t, ne.Unwrap())
}

type scriptedWriter struct {
	calls []string
	fail  map[string]error
}

func (s *scriptedWriter) InstallAllowSet(_ context.Context, node string) error {
	s.calls = append(s.calls, "install "+node)
	return s.fail[node]
}

func (s *scriptedWriter) ClearAllFlows(_ context.Context, node string) error {
	s.calls = append(s.calls, "clear "+node)
	return s.fail[node]
}

func TestProvisionerAllow(t *testing.T) {
	w := &scriptedWriter{}
	var observed []Result
	p := NewProvisioner(w, []string{"openflow:1", "openflow:2"}, func(_ context.Context, r Result) {
		observed = append(observed, r)
	})
	res := p.Allow(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, []string{"install openflow:1", "install openflow:2"}, w.calls)
	assert.Equal(t, []string{"ARP", "ICMP", "TCP/22", "TCP/443", "drop-default"}, res.Applied)
	assert.Equal(t, []string{"openflow:1", "openflow:2"}, res.Nodes)
	require.Len(t, observed, 1)
	assert.Equal(t, ActionAllow, observed[0].Action)
}

func TestProvisionerAbortsRemainingNodes(t *testing.T) {
	w := &scriptedWriter{fail: map[string]error{
		"openflow:2": &NodeError{Node: "openflow:2", Path: "/x", Status: 500},
	}}
	p := NewProvisioner(w, []string{"openflow:1", "openflow:2", "openflow:3"})
	res := p.Lock(context.Background())
	require.False(t, res.OK())
	assert.False(t, res.Cleared)
	assert.Equal(t, "openflow:2", res.Failed)
	assert.Equal(t, []string{"clear openflow:1", "clear openflow:2"}, w.calls)
}

func TestProvisionerLock(t *testing.T) {
	w := &scriptedWriter{}
	res := NewProvisioner(w, []string{"openflow:1"}).Lock(context.Background())
	assert.True(t, res.OK())
	assert.True(t, res.Cleared)
	assert.Nil(t, res.Applied)
}

func TestProvisionerPlainError(t *testing.T) {
	w := &scriptedWriter{fail: map[string]error{"n1": errors.New("boom")}}
	res := NewProvisioner(w, []string{"n1", "n2"}).Allow(context.Background())
	assert.Equal(t, "n1", res.Failed)
	assert.Nil(t, res.Applied)
	assert.Equal(t, []string{"install n1"}, w.calls)
}
