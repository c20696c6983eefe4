// Command mock-controller is an in-memory stand-in for the controller's
// RESTCONF flow-table API, for local runs of the gateway.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"sdngate/pkg/httpx"
	"sdngate/pkg/logging"
	"sdngate/pkg/overlay"
	"sdngate/pkg/telemetry"
)

const (
	serviceName = "mock-controller"
	nodesPrefix = "/restconf/config/opendaylight-inventory:nodes"
)

// Store holds flow bodies per node, per table, per flow id.
type Store struct {
	mu       sync.Mutex
	tables   map[string]map[string]json.RawMessage
	cred     overlay.Credential
	failNode string
}

func NewStore(cred overlay.Credential, failNode string) *Store {
	return &Store{tables: map[string]map[string]json.RawMessage{}, cred: cred, failNode: failNode}
}

// Testable variables for main()
var (
	logFatalf       = logrus.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockController(os.Getenv, initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func tableKey(node, table string) string { return node + "/" + table }

func params(r *http.Request) (node, table string) {
	node, err := url.PathUnescape(chi.URLParam(r, "node"))
	if err != nil {
		node = chi.URLParam(r, "node")
	}
	return node, chi.URLParam(r, "table")
}

func (s *Store) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cred.User != "" && r.Header.Get("Authorization") != s.cred.Header() {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Store) putFlow(w http.ResponseWriter, r *http.Request) {
	node, table := params(r)
	id := chi.URLParam(r, "id")
	if node == s.failNode {
		httpx.Error(w, http.StatusInternalServerError, "injected failure")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "read body")
		return
	}
	var body struct {
		Flow []struct {
			ID string `json:"id"`
		} `json:"flow"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Flow) != 1 || body.Flow[0].ID != id {
		httpx.Error(w, http.StatusBadRequest, "flow body must carry exactly one flow whose id matches the path")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(node, table)
	if s.tables[key] == nil {
		s.tables[key] = map[string]json.RawMessage{}
	}
	_, existed := s.tables[key][id]
	s.tables[key][id] = json.RawMessage(raw)
	if existed {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Store) getFlow(w http.ResponseWriter, r *http.Request) {
	node, table := params(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.tables[tableKey(node, table)][chi.URLParam(r, "id")]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "data-missing")
		return
	}
	w.Header().Set("Content-Type", "application/yang-data+json")
	_, _ = w.Write(raw)
}

func (s *Store) getTable(w http.ResponseWriter, r *http.Request) {
	node, table := params(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := s.tables[tableKey(node, table)]
	if len(flows) == 0 {
		httpx.Error(w, http.StatusNotFound, "data-missing")
		return
	}
	ids := make([]string, 0, len(flows))
	for id := range flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		var body struct {
			Flow []json.RawMessage `json:"flow"`
		}
		if err := json.Unmarshal(flows[id], &body); err == nil && len(body.Flow) == 1 {
			entries = append(entries, body.Flow[0])
		}
	}
	tableID, _ := strconv.Atoi(table)
	w.Header().Set("Content-Type", "application/yang-data+json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"flow-node-inventory:table": []interface{}{
			map[string]interface{}{"id": tableID, "flow": entries},
		},
	})
}

func (s *Store) deleteTable(w http.ResponseWriter, r *http.Request) {
	node, table := params(r)
	if node == s.failNode {
		httpx.Error(w, http.StatusInternalServerError, "injected failure")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(node, table)
	if len(s.tables[key]) == 0 {
		httpx.Error(w, http.StatusNotFound, "data-missing")
		return
	}
	delete(s.tables, key)
	w.WriteHeader(http.StatusOK)
}

// FlowCount reports how many flows a node's table holds.
func (s *Store) FlowCount(node, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[tableKey(node, table)])
}

func (s *Store) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Group(func(g chi.Router) {
		g.Use(s.requireAdmin)
		table := nodesPrefix + "/node/{node}/table/{table}"
		g.Put(table+"/flow/{id}", s.putFlow)
		g.Get(table+"/flow/{id}", s.getFlow)
		g.Get(table, s.getTable)
		g.Get(table+"/", s.getTable)
		g.Delete(table, s.deleteTable)
		g.Delete(table+"/", s.deleteTable)
	})
	return r
}

func envDurationSec(getenv func(string) string, k string, def int) time.Duration {
	if v := getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Second * time.Duration(n)
		}
	}
	return time.Second * time.Duration(def)
}

func env(getenv func(string) string, k, def string) string {
	if v := getenv(k); v != "" {
		return v
	}
	return def
}

func runMockController(
	getenv func(string) string,
	initTelemetry func(context.Context, telemetry.Options, logrus.FieldLogger) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	log := logging.New(serviceName, getenv("LOG_LEVEL"), getenv("LOG_FORMAT"), os.Stdout)

	shutdown, err := initTelemetry(context.Background(), telemetry.OptionsFromEnv(serviceName, getenv), log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cred := overlay.Credential{User: getenv("ODL_BASIC_USER"), Password: getenv("ODL_BASIC_PASS")}
	store := NewStore(cred, getenv("MOCK_ODL_FAIL_NODE"))

	addr := env(getenv, "ADDR", ":8181")
	log.WithFields(logrus.Fields{"addr": addr, "basic_auth": cred.User != "", "fail_node": store.failNode}).Info("mock-controller listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           store.Routes(),
		ReadHeaderTimeout: envDurationSec(getenv, "HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec(getenv, "HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec(getenv, "HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec(getenv, "HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
