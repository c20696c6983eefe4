package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdngate/pkg/identity"
)

type fakeDecider struct {
	allow bool
	calls int
	last  Input
}

func (f *fakeDecider) Decide(_ context.Context, in Input) (bool, string) {
	f.calls++
	f.last = in
	if f.allow {
		return true, "allow"
	}
	return false, "deny"
}

func TestEnforceDenies(t *testing.T) {
	d := &fakeDecider{}
	next := 0
	var observed string
	h := identity.Middleware(false)(Enforce(d, false, func(_ *http.Request, allowed bool, reason string) {
		observed = reason
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { next++ })))

	req := httptest.NewRequest(http.MethodGet, "/proxy/restconf/data", nil)
	req.Header.Set(identity.HeaderRequestID, "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, 0, next)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "deny", observed)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "forbidden_by_policy", body["error"])
	assert.Equal(t, "opa", body["by"])
	assert.Equal(t, "abc", body["reqId"])
	assert.NotEmpty(t, body["ts"])
}

func TestEnforceAllows(t *testing.T) {
	d := &fakeDecider{allow: true}
	next := 0
	h := identity.Middleware(false)(Enforce(d, false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { next++ })))
	req := httptest.NewRequest(http.MethodDelete, "/api/proxy/restconf/config/x?y=1", nil)
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set(identity.HeaderGroups, "/Admins")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1, next)
	assert.Equal(t, "DELETE", d.last.Method)
	assert.Equal(t, "/api/proxy/restconf/config/x?y=1", d.last.Path)
	assert.Equal(t, []string{"admins"}, d.last.Groups)
	assert.True(t, d.last.Authenticated)
}
