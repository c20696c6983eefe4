package restconf

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdngate/pkg/identity"
)

func TestRewritePath(t *testing.T) {
	cases := map[string]string{
		"/proxy/foo/bar":          "/foo/bar",
		"/api/proxy/foo/bar":      "/foo/bar",
		"/proxy":                  "",
		"/api/proxy?x=1":          "?x=1",
		"/proxy/restconf/data?a=b": "/restconf/data?a=b",
		"/other/proxy/x":          "/other/proxy/x",
	}
	for in, want := range cases {
		assert.Equal(t, want, RewritePath(in), in)
	}
}

func TestTargetURL(t *testing.T) {
	base := "http://odl:8181"
	cases := map[string]string{
		"/proxy/foo/bar":                    "http://odl:8181/foo/bar",
		"/api/proxy/foo/bar":                "http://odl:8181/foo/bar",
		"/proxy/restconf/data/x":            "http://odl:8181/restconf/data/x/",
		"/api/proxy/RESTCONF/operational/n": "http://odl:8181/RESTCONF/operational/n/",
		"/proxy/restconf/data/x/":           "http://odl:8181/restconf/data/x/",
		"/proxy/restconf/data/x?depth=1":    "http://odl:8181/restconf/data/x?depth=1",
		"/proxy/restconf":                   "http://odl:8181/restconf",
		"/proxy/restconf/data/x?":           "http://odl:8181/restconf/data/x?/",
	}
	for in, want := range cases {
		assert.Equal(t, want, TargetURL(base, in), in)
	}
	assert.Equal(t, "http://odl:8181//foo", TargetURL(base+"/", "/proxy/foo"), "base is concatenated verbatim")
	assert.Equal(t, "http://odl:8181/", New(base+"/", nil, 0, nil).Base)
}

func TestIsJSON(t *testing.T) {
	assert.True(t, IsJSON("application/json; charset=utf-8"))
	assert.True(t, IsJSON("application/yang-data+json"))
	assert.False(t, IsJSON("text/plain"))
	assert.False(t, IsJSON(""))
}

type upstreamCall struct {
	Method, URI, Accept, ContentType, Auth, Body string
}

func upstream(t *testing.T, calls *int32, seen *upstreamCall, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		b, _ := io.ReadAll(r.Body)
		*seen = upstreamCall{
			Method:      r.Method,
			URI:         r.URL.RequestURI(),
			Accept:      r.Header.Get("Accept"),
			ContentType: r.Header.Get("Content-Type"),
			Auth:        r.Header.Get("Authorization"),
			Body:        string(b),
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serve(f *Forwarder, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	identity.Middleware(false)(f).ServeHTTP(rr, req)
	return rr
}

func TestForwardYangRoundTrip(t *testing.T) {
	var calls int32
	var seen upstreamCall
	srv := upstream(t, &calls, &seen, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yang-data+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\n  \"nodes\": {\"node\": [ {\"id\": \"openflow:1\"} ]}\n}"))
	})
	f := New(srv.URL, srv.Client(), time.Second, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy/restconf/operational/opendaylight-inventory:nodes", nil)
	req.Header.Set("Authorization", "Bearer caller")
	req.Header.Set("Accept", "text/html")
	rr := serve(f, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yang-data+json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"nodes":{"node":[{"id":"openflow:1"}]}}`, rr.Body.String())
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, "/restconf/operational/opendaylight-inventory:nodes/", seen.URI)
	assert.Equal(t, YangAccept, seen.Accept)
	assert.Equal(t, "application/json", seen.ContentType)
	assert.Equal(t, "Bearer caller", seen.Auth)
	assert.Empty(t, seen.Body)
}

func TestForwardNonYangKeepsAcceptAndText(t *testing.T) {
	var calls int32
	var seen upstreamCall
	srv := upstream(t, &calls, &seen, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	})
	f := New(srv.URL, srv.Client(), time.Second, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/jolokia/read", strings.NewReader(`{"mbean":"x"}`))
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", "application/xml")
	rr := serve(f, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "queued", rr.Body.String())
	assert.Equal(t, "/jolokia/read", seen.URI)
	assert.Equal(t, "text/plain", seen.Accept)
	assert.Equal(t, "application/xml", seen.ContentType)
	assert.Equal(t, `{"mbean":"x"}`, seen.Body)
}

func TestForwardUpstreamErrorEnvelope(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		want        interface{}
	}{
		{"json", "application/yang-data+json", `{"errors":{"error":[{"error-tag":"data-missing"}]}}`,
			map[string]interface{}{"errors": map[string]interface{}{"error": []interface{}{map[string]interface{}{"error-tag": "data-missing"}}}}},
		{"bad json", "application/json", `<html>`, map[string]interface{}{}},
		{"text", "text/html", `<h1>nope</h1>`, "<h1>nope</h1>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			var seen upstreamCall
			srv := upstream(t, &calls, &seen, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(tc.body))
			})
			log, hook := logtest.NewNullLogger()
			f := New(srv.URL, srv.Client(), time.Second, log)

			rr := serve(f, httptest.NewRequest(http.MethodDelete, "/proxy/restconf/config/x", nil))
			require.Equal(t, http.StatusNotFound, rr.Code)
			var env map[string]interface{}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
			assert.Equal(t, "upstream_error", env["error"])
			assert.Equal(t, "opendaylight", env["upstream"])
			assert.Equal(t, float64(404), env["status"])
			assert.Equal(t, "Not Found", env["statusText"])
			assert.Equal(t, tc.contentType, env["contentType"])
			assert.Equal(t, srv.URL+"/restconf/config/x/", env["url"])
			assert.Equal(t, tc.want, env["body"])
			assert.Equal(t, int32(1), calls)
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		})
	}
}

func TestForwardBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	log, _ := logtest.NewNullLogger()
	f := New(base, nil, time.Second, log)

	req := httptest.NewRequest(http.MethodGet, "/proxy/restconf/data", nil)
	req.Header.Set(identity.HeaderRequestID, "rid-1")
	rr := serve(f, req)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, "bad_gateway", env["error"])
	assert.Equal(t, "rid-1", env["reqId"])
	assert.NotEmpty(t, env["message"])
	assert.NotEmpty(t, env["ts"])
}

func TestForwardTimeoutIsBadGateway(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)
	log, _ := logtest.NewNullLogger()
	f := New(srv.URL, srv.Client(), 50*time.Millisecond, log)
	rr := serve(f, httptest.NewRequest(http.MethodGet, "/proxy/slow", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestForwardBodyLimit(t *testing.T) {
	var calls int32
	var seen upstreamCall
	srv := upstream(t, &calls, &seen, func(w http.ResponseWriter, r *http.Request) {})
	f := New(srv.URL, srv.Client(), time.Second, nil)
	f.MaxBodyBytes = 4
	rr := serve(f, httptest.NewRequest(http.MethodPut, "/proxy/restconf/config/x", strings.NewReader(`{"too":"big"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, int32(0), calls)
}

func TestForwardEmptyJSONBodyAndObserver(t *testing.T) {
	var calls int32
	var seen upstreamCall
	srv := upstream(t, &calls, &seen, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yang-data+json")
		w.WriteHeader(http.StatusCreated)
	})
	f := New(srv.URL, srv.Client(), time.Second, nil)
	var statuses []int
	f.OnResponse = func(status int) { statuses = append(statuses, status) }

	req := httptest.NewRequest(http.MethodPut, "/api/proxy/restconf/config/x", strings.NewReader(`{"a":1}`))
	rr := serve(f, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, `{"a":1}`, seen.Body)
	assert.Equal(t, []int{http.StatusCreated}, statuses)

	srv.Close()
	log, _ := logtest.NewNullLogger()
	f.Log = log
	rr = serve(f, httptest.NewRequest(http.MethodGet, "/proxy/restconf/config/x", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, []int{http.StatusCreated, 0}, statuses)
}
