// Command mock-policy answers OPA-style data API queries from a small rule
// table, for local runs of the gateway without a real policy engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"sdngate/pkg/httpx"
	"sdngate/pkg/logging"
	"sdngate/pkg/policy"
	"sdngate/pkg/telemetry"
)

const serviceName = "mock-policy"

// Rule allows a request when every non-empty field matches. "*" matches any
// group or method.
type Rule struct {
	Name          string   `yaml:"name"`
	Groups        []string `yaml:"groups"`
	Methods       []string `yaml:"methods"`
	PathPrefix    string   `yaml:"path_prefix"`
	RequireSecure bool     `yaml:"require_secure"`
}

type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules lets admins do anything and any authenticated caller read.
func DefaultRules(adminGroup string) RuleSet {
	return RuleSet{Rules: []Rule{
		{Name: "admin-write", Groups: []string{adminGroup}, Methods: []string{"*"}},
		{Name: "authenticated-read", Groups: []string{"*"}, Methods: []string{http.MethodGet, http.MethodHead}},
	}}
}

func LoadRules(path string) (RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(rs.Rules) == 0 {
		return RuleSet{}, fmt.Errorf("rules %s: no rules defined", path)
	}
	return rs, nil
}

func matchAny(want []string, have ...string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == "*" {
			return true
		}
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}

func (r Rule) matches(in policy.Input) bool {
	if r.RequireSecure && !in.Secure {
		return false
	}
	if !strings.HasPrefix(in.Path, r.PathPrefix) {
		return false
	}
	if !matchAny(r.Methods, in.Method) {
		return false
	}
	if len(r.Groups) > 0 && !matchAny(r.Groups, in.Groups...) {
		return false
	}
	return true
}

// Evaluate returns the first matching rule name. Unauthenticated input never
// matches.
func (rs RuleSet) Evaluate(in policy.Input) (bool, string) {
	if !in.Authenticated {
		return false, ""
	}
	for _, r := range rs.Rules {
		if r.matches(in) {
			return true, r.Name
		}
	}
	return false, ""
}

type query struct {
	Input *policy.Input `json:"input"`
}

func handleDecide(rs RuleSet, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil || q.Input == nil {
			httpx.Error(w, http.StatusBadRequest, "body must be {\"input\":{...}}")
			return
		}
		allow, rule := rs.Evaluate(*q.Input)
		log.WithFields(logrus.Fields{
			"method": q.Input.Method,
			"path":   q.Input.Path,
			"groups": q.Input.Groups,
			"allow":  allow,
			"rule":   rule,
		}).Debug("decision")
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"result": map[string]bool{"allow": allow},
		})
	}
}

// Testable variables for main()
var (
	logFatalf       = logrus.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockPolicy(os.Getenv, initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func env(getenv func(string) string, k, def string) string {
	if v := getenv(k); v != "" {
		return v
	}
	return def
}

func envDurationSec(getenv func(string) string, k string, def int) time.Duration {
	if v := getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Second * time.Duration(n)
		}
	}
	return time.Second * time.Duration(def)
}

func runMockPolicy(
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

	rules := DefaultRules(env(getenv, "MOCK_POLICY_ADMIN_GROUP", "admins"))
	if path := getenv("MOCK_POLICY_RULES_FILE"); path != "" {
		loaded, err := LoadRules(path)
		if err != nil {
			return err
		}
		rules = loaded
	}

	shutdown, err := initTelemetry(context.Background(), telemetry.OptionsFromEnv(serviceName, getenv), log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Post("/v1/data/*", handleDecide(rules, log))

	addr := env(getenv, "ADDR", ":8181")
	log.WithFields(logrus.Fields{"addr": addr, "rules": len(rules.Rules)}).Info("mock-policy listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec(getenv, "HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec(getenv, "HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec(getenv, "HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec(getenv, "HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
