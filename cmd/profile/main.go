// Command profile echoes the identity the edge proxy attached to a request.
package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
	"sdngate/pkg/logging"
	"sdngate/pkg/telemetry"
)

const (
	serviceName  = "user-profile"
	defaultUser  = "Anonymous"
	defaultEmail = "unknown@example.com"
	profileNote  = "Exposed via /profile/me (headers set by nginx + oauth2-proxy)"
)

type profile struct {
	User  string `json:"user"`
	Email string `json:"email"`
	Note  string `json:"note"`
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	p := profile{
		User:  r.Header.Get(identity.HeaderUser),
		Email: r.Header.Get(identity.HeaderEmail),
		Note:  profileNote,
	}
	if p.User == "" {
		p.User = defaultUser
	}
	if p.Email == "" {
		p.Email = defaultEmail
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func Routes(log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware(false))
	r.Use(logging.RequestLogger(log))
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/me", handleMe)
	return r
}

// Testable variables for main()
var (
	logFatalf       = logrus.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runProfile(os.Getenv, initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func envDurationSec(getenv func(string) string, k string, def int) time.Duration {
	if v := getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Second * time.Duration(n)
		}
	}
	return time.Second * time.Duration(def)
}

func runProfile(
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

	addr := getenv("ADDR")
	if addr == "" {
		addr = "0.0.0.0:4100"
	}
	log.WithField("addr", addr).Info("user profile listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           Routes(log),
		ReadHeaderTimeout: envDurationSec(getenv, "HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec(getenv, "HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec(getenv, "HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec(getenv, "HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
