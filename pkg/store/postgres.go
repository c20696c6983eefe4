package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxBackoff = 10 * time.Second

var (
	newPool = pgxpool.NewWithConfig
	after   = time.After
)

// PoolOptions shapes the audit database pool. Zero fields take defaults.
type PoolOptions struct {
	DSN         string
	RequireTLS  bool
	MaxConns    int32
	Attempts    int
	Backoff     time.Duration
	PingTimeout time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConns <= 0 {
		o.MaxConns = 4
	}
	if o.Attempts <= 0 {
		o.Attempts = 10
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}

// PoolOptionsFromEnv uses dsn when set, else a DSN assembled from the
// DATABASE_* variables.
func PoolOptionsFromEnv(dsn string, getenv func(string) string) PoolOptions {
	if getenv == nil {
		getenv = os.Getenv
	}
	opts := PoolOptions{DSN: strings.TrimSpace(dsn), RequireTLS: truthy(getenv("DATABASE_REQUIRE_TLS"))}
	if opts.DSN == "" {
		opts.DSN = defaultPostgresURL(getenv)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("DATABASE_MAX_CONNS"))); err == nil && n > 0 {
		opts.MaxConns = int32(n)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("DATABASE_CONNECT_ATTEMPTS"))); err == nil && n > 0 {
		opts.Attempts = n
	}
	return opts
}

func NewPostgresPool(ctx context.Context, dsn string, getenv func(string) string) (*pgxpool.Pool, error) {
	return OpenPool(ctx, PoolOptionsFromEnv(dsn, getenv))
}

// OpenPool connects and pings, backing off exponentially between attempts.
// It gives up early when ctx ends.
func OpenPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()
	if opts.RequireTLS {
		if err := validatePostgresTLS(opts.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "sdngate"
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	wait := opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		pool, err := connect(ctx, cfg, opts.PingTimeout)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("db connect abandoned after %d attempts: %w", attempt, ctx.Err())
		case <-after(wait):
		}
		if wait *= 2; wait > maxBackoff {
			wait = maxBackoff
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func connect(ctx context.Context, cfg *pgxpool.Config, pingTimeout time.Duration) (*pgxpool.Pool, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func defaultPostgresURL(getenv func(string) string) string {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	port := get("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.User(get("DATABASE_USER", "sdngate")),
		Host:     get("DATABASE_HOST", "localhost") + ":" + port,
		Path:     "/" + get("DATABASE_NAME", "sdngate"),
		RawQuery: url.Values{"sslmode": {get("DATABASE_SSLMODE", "disable")}}.Encode(),
	}
	if password := getenv("POSTGRES_PASSWORD"); password != "" {
		u.User = url.UserPassword(u.User.Username(), password)
	}
	return u.String()
}

// sslmode extracts sslmode from either a URL or a key=value DSN.
func sslmode(dsn string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		return u.Query().Get("sslmode"), nil
	}
	for _, field := range strings.Fields(dsn) {
		if k, v, ok := strings.Cut(field, "="); ok && k == "sslmode" {
			return v, nil
		}
	}
	return "", nil
}

func validatePostgresTLS(dsn string) error {
	mode, err := sslmode(dsn)
	if err != nil {
		return err
	}
	switch mode = strings.ToLower(strings.TrimSpace(mode)); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but sslmode=%q is insecure", mode)
	}
}
