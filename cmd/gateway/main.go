package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"sdngate/pkg/audit"
	"sdngate/pkg/config"
	"sdngate/pkg/hardening"
	"sdngate/pkg/logging"
	"sdngate/pkg/metrics"
	"sdngate/pkg/overlay"
	"sdngate/pkg/policy"
	"sdngate/pkg/ratelimit"
	"sdngate/pkg/restconf"
	"sdngate/pkg/statebus"
	"sdngate/pkg/store"
	"sdngate/pkg/stream"
	"sdngate/pkg/telemetry"
)

const serviceName = telemetry.DefaultServiceName

type gatewayDBCloser interface {
	auditDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, opts telemetry.Options, log logrus.FieldLogger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, dsn string) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context, addr string) (*redis.Client, error)
type gatewayOpenEventsFunc func(cfg statebus.KafkaConfig) (statebus.Publisher, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = logrus.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context, dsn string) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx, dsn, os.Getenv)
	}
	openRedisFnG = func(ctx context.Context, addr string) (*redis.Client, error) {
		return store.NewRedis(ctx, addr, os.Getenv)
	}
	openEventsFnG = func(cfg statebus.KafkaConfig) (statebus.Publisher, error) {
		return statebus.NewKafkaPublisher(cfg)
	}
	listenFnG = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	deps := gatewayDeps{
		getenv:        os.Getenv,
		initTelemetry: initTelemetryG,
		openDB:        openDBFnG,
		openRedis:     openRedisFnG,
		openEvents:    openEventsFnG,
		listen:        listenFnG,
	}
	if err := runGateway(deps); err != nil {
		logFatalf("gateway: %v", err)
	}
}

type gatewayDeps struct {
	getenv        func(string) string
	initTelemetry gatewayInitTelemetryFunc
	openDB        gatewayOpenDBFunc
	openRedis     gatewayOpenRedisFunc
	openEvents    gatewayOpenEventsFunc
	listen        gatewayListenFunc
}

func runGateway(d gatewayDeps) error {
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	cfg, err := config.Load(d.getenv)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		ControllerBase:        cfg.ControllerBase,
		ControllerUser:        cfg.ControllerUser,
		ControllerPass:        cfg.ControllerPass,
		PolicyURL:             cfg.PolicyURL,
		DatabaseURL:           cfg.DatabaseURL,
		DatabaseRequireTLS:    d.getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       d.getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      d.getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: d.getenv("REDIS_ALLOW_INSECURE_TLS"),
		CORSAllowedOrigins:    cfg.CORSOrigins,
		WSAllowedOrigins:      config.SplitList(cfg.WSOrigins),
	}); err != nil {
		return err
	}

	ctx := context.Background()
	if d.initTelemetry == nil {
		return errors.New("telemetry init function required")
	}
	shutdown, err := d.initTelemetry(ctx, telemetry.OptionsFromEnv(serviceName, d.getenv), log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := metrics.NewRegistry()
	s := &Server{
		Config:  cfg,
		Log:     log,
		Metrics: reg,
		Events:  stream.NewHub(),
	}

	if cfg.AuditEnabled {
		pool, err := d.openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		w := &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
		if err := w.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		s.Audit = w
	}

	if cfg.RateLimitEnabled {
		var redisClient *redis.Client
		if cfg.RedisAddr != "" && d.openRedis != nil {
			redisClient, err = d.openRedis(ctx, cfg.RedisAddr)
			if err != nil {
				log.WithError(err).Warn("redis unavailable, falling back to in-memory rate limits")
				redisClient = nil
			}
		}
		if redisClient != nil {
			defer redisClient.Close()
			s.Limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow())
		} else {
			s.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow())
		}
	}

	if len(cfg.EventsKafkaBrokers) > 0 && d.openEvents != nil {
		pub, err := d.openEvents(statebus.KafkaConfig{Brokers: cfg.EventsKafkaBrokers, Topic: cfg.EventsKafkaTopic})
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		defer pub.Close()
		s.Publisher = pub
	}

	policyClient := telemetry.InstrumentClient(nil, cfg.PolicyTimeout())
	upstreamClient := telemetry.InstrumentClient(nil, 0)
	s.Policy = policy.New(cfg.PolicyURL, policyClient, cfg.PolicyTimeout())
	fw := restconf.New(cfg.ControllerBase, upstreamClient, cfg.RequestTimeout(), log)
	fw.MaxBodyBytes = cfg.MaxBodyBytes
	fw.OnResponse = reg.IncUpstreamStatus
	s.Forwarder = fw
	ctrl := overlay.NewController(cfg.ControllerBase, overlay.Credential{User: cfg.ControllerUser, Password: cfg.ControllerPass}, upstreamClient, cfg.RequestTimeout())
	s.Provisioner = overlay.NewProvisioner(ctrl, cfg.NodeIDs, s.observers()...)
	reg.SetGauge("overlay_nodes", float64(len(cfg.NodeIDs)))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: envDurationSec(d.getenv, "HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec(d.getenv, "HTTP_READ_TIMEOUT_SEC", 30),
		WriteTimeout:      cfg.RequestTimeout() + envDurationSec(d.getenv, "HTTP_WRITE_GRACE_SEC", 15),
		IdleTimeout:       envDurationSec(d.getenv, "HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	log.WithFields(logrus.Fields{
		"addr":        cfg.Addr,
		"odl":         cfg.ControllerBase,
		"admin_user":  cfg.ControllerUser,
		"opa":         cfg.PolicyURL,
		"nodes":       cfg.NodeIDs,
		"rate_limit":  cfg.RateLimitEnabled,
		"audit":       cfg.AuditEnabled,
		"kafka_topic": cfg.EventsKafkaTopic,
	}).Info("gateway listening")
	if d.listen == nil {
		return errors.New("listen function required")
	}
	return d.listen(server)
}

func envDurationSec(getenv func(string) string, key string, def int) time.Duration {
	n := def
	if raw := getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	return time.Duration(n) * time.Second
}
