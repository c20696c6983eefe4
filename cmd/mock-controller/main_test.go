package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"sdngate/pkg/flows"
	"sdngate/pkg/overlay"
	"sdngate/pkg/telemetry"
)

var adminCred = overlay.Credential{User: "admin", Password: "s3cret"}

func newMock(t *testing.T, failNode string) (*Store, *overlay.Controller) {
	t.Helper()
	store := NewStore(adminCred, failNode)
	srv := httptest.NewServer(store.Routes())
	t.Cleanup(srv.Close)
	return store, overlay.NewController(srv.URL, adminCred, srv.Client(), 0)
}

func TestAllowThenLockRoundTrip(t *testing.T) {
	store, ctrl := newMock(t, "")
	ctx := context.Background()

	if err := ctrl.InstallAllowSet(ctx, "openflow:1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := store.FlowCount("openflow:1", "0"); got != len(flows.AllowSet()) {
		t.Fatalf("expected %d flows, got %d", len(flows.AllowSet()), got)
	}
	// Reinstall overwrites instead of duplicating.
	if err := ctrl.InstallAllowSet(ctx, "openflow:1"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if got := store.FlowCount("openflow:1", "0"); got != len(flows.AllowSet()) {
		t.Fatalf("expected idempotent install, got %d flows", got)
	}

	if err := ctrl.ClearAllFlows(ctx, "openflow:1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := store.FlowCount("openflow:1", "0"); got != 0 {
		t.Fatalf("expected empty table, got %d", got)
	}
	// The second clear hits 404, which the controller treats as success.
	if err := ctrl.ClearAllFlows(ctx, "openflow:1"); err != nil {
		t.Fatalf("clear on empty table: %v", err)
	}
}

func TestInjectedFailure(t *testing.T) {
	_, ctrl := newMock(t, "openflow:2")
	err := ctrl.InstallAllowSet(context.Background(), "openflow:2")
	var ne *overlay.NodeError
	if !errors.As(err, &ne) || ne.Node != "openflow:2" || ne.Status != http.StatusInternalServerError {
		t.Fatalf("expected node error with 500, got %v", err)
	}
	if err := ctrl.ClearAllFlows(context.Background(), "openflow:2"); err == nil {
		t.Fatal("expected clear failure on injected node")
	}
}

func TestBasicAuthRequired(t *testing.T) {
	store := NewStore(adminCred, "")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, flows.TablePath("openflow:1"), nil)
	store.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	open := NewStore(overlay.Credential{}, "")
	rr = httptest.NewRecorder()
	open.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, flows.TablePath("openflow:1"), nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for empty table without auth configured, got %d", rr.Code)
	}
}

func TestPutRejectsMismatchedBody(t *testing.T) {
	store := NewStore(overlay.Credential{}, "")
	rule := flows.AllowARP()
	body, _ := rule.Body()
	path := strings.Replace(rule.Path("openflow:1"), "/flow/50", "/flow/99", 1)
	rr := httptest.NewRecorder()
	store.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPut, path, strings.NewReader(string(body))))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	store.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPut, rule.Path("openflow:1"), strings.NewReader("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rr.Code)
	}
}

func TestGetFlowAndTable(t *testing.T) {
	store, ctrl := newMock(t, "")
	if err := ctrl.InstallAllowSet(context.Background(), "openflow:1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	h := store.Routes()
	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", adminCred.Header())
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := get(flows.AllowICMP().Path("openflow:1"))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ip-protocol":1`) {
		t.Fatalf("unexpected flow read %d %s", rr.Code, rr.Body.String())
	}
	if rr := get(flows.InventoryPrefix + "openflow:1/table/0/flow/77"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown flow, got %d", rr.Code)
	}

	rr = get(flows.TablePath("openflow:1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 table read, got %d", rr.Code)
	}
	var table struct {
		Tables []struct {
			ID   int               `json:"id"`
			Flow []json.RawMessage `json:"flow"`
		} `json:"flow-node-inventory:table"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &table); err != nil {
		t.Fatalf("decode table: %v", err)
	}
	if len(table.Tables) != 1 || len(table.Tables[0].Flow) != len(flows.AllowSet()) {
		t.Fatalf("unexpected table body %s", rr.Body.String())
	}
}

func TestEnvHelpers(t *testing.T) {
	getenv := func(k string) string {
		return map[string]string{"A": "value", "N": "7", "BAD": "x"}[k]
	}
	if env(getenv, "A", "d") != "value" || env(getenv, "MISSING", "d") != "d" {
		t.Fatal("env fallback mismatch")
	}
	if envDurationSec(getenv, "N", 1).Seconds() != 7 || envDurationSec(getenv, "BAD", 3).Seconds() != 3 {
		t.Fatal("envDurationSec mismatch")
	}
}

func TestRunMockController(t *testing.T) {
	getenv := func(k string) string {
		return map[string]string{
			"ADDR":                         "127.0.0.1:0",
			"HTTP_READ_HEADER_TIMEOUT_SEC": "1",
			"ODL_BASIC_USER":               "admin",
			"ODL_BASIC_PASS":               "pw",
		}[k]
	}
	shutdownCalled := false
	initTelemetry := func(ctx context.Context, opts telemetry.Options, log logrus.FieldLogger) (func(context.Context) error, error) {
		if opts.ServiceName != serviceName {
			return nil, errors.New("unexpected service name " + opts.ServiceName)
		}
		return func(context.Context) error { shutdownCalled = true; return nil }, nil
	}

	var captured *http.Server
	err := runMockController(getenv, initTelemetry, func(server *http.Server) error {
		captured = server
		rr := httptest.NewRecorder()
		server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			return errors.New("healthz failed")
		}
		return errors.New("test-stop")
	})
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
	if captured == nil || captured.Addr != "127.0.0.1:0" || captured.ReadHeaderTimeout.Seconds() != 1 {
		t.Fatalf("unexpected server %+v", captured)
	}
	if !shutdownCalled {
		t.Fatal("expected telemetry shutdown")
	}

	err = runMockController(getenv, func(context.Context, telemetry.Options, logrus.FieldLogger) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}, nil)
	if err == nil || err.Error() != "otel down" {
		t.Fatalf("expected telemetry error, got %v", err)
	}
}
