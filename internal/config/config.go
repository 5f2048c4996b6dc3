package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	WebhookSecret     string
	MaxTimestampDrift time.Duration
	RequireAPIKey     bool
	StaticAPIKey      string
	RequireHTTPS      bool
	RateLimit         string

	DefaultExchange  string
	DefaultAPIKey    string
	DefaultAPISecret string

	ReplayBackend      string
	RedisURL           string
	SignatureCacheTTL  time.Duration
	SignatureCacheSize int
	NonceTTL           time.Duration
	NonceCacheSize     int
	TokenRateLimit     string
	TokenRateCacheSize int

	QueueOrders      bool
	QueueWorkers     int
	QueueMaxRequeues int

	PoolMaxSize  int
	PoolIdleTTL  time.Duration
	RetryMax     int
	RetryInitial time.Duration
	RetryCeiling time.Duration

	DBDSN       string
	TokenDBPath string
	VenuesFile  string

	JWTIssuer         string
	JWTSecret         string
	JWTTTL            time.Duration
	AdminPasswordHash string
	WebSocketOrigin   string
	CORSOrigins       []string
}

// DefaultTokenDBPath is where short-lived webhook tokens live unless TOKEN_DB_PATH says otherwise.
const DefaultTokenDBPath = "tokens.db"

// Load reads configuration from the process environment. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	var c Config
	var missing []string
	p := parser{getenv: getenv}

	c.HTTPAddr = p.str("HTTP_ADDR", ":8000")
	c.LogLevel = strings.ToLower(p.str("LOG_LEVEL", "info"))

	c.WebhookSecret = getenv("WEBHOOK_SECRET")
	if c.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	c.MaxTimestampDrift = p.seconds("MAX_TIMESTAMP_DRIFT", 300*time.Second)
	c.RequireAPIKey = p.boolean("REQUIRE_API_KEY", false)
	c.StaticAPIKey = getenv("STATIC_API_KEY")
	if c.RequireAPIKey && c.StaticAPIKey == "" {
		missing = append(missing, "STATIC_API_KEY")
	}
	c.RequireHTTPS = p.boolean("REQUIRE_HTTPS", false)
	c.RateLimit = p.str("RATE_LIMIT", "10/minute")

	c.DefaultExchange = strings.ToLower(p.str("DEFAULT_EXCHANGE", "binance"))
	c.DefaultAPIKey = getenv("DEFAULT_API_KEY")
	c.DefaultAPISecret = getenv("DEFAULT_API_SECRET")

	c.ReplayBackend = strings.ToLower(p.str("REPLAY_BACKEND", p.str("SIGNATURE_CACHE_BACKEND", "memory")))
	if c.ReplayBackend != "memory" && c.ReplayBackend != "redis" {
		return c, errors.New("invalid REPLAY_BACKEND: use memory or redis")
	}
	c.RedisURL = p.str("REDIS_URL", "redis://localhost:6379/0")
	c.SignatureCacheTTL = p.seconds("SIGNATURE_CACHE_TTL", 300*time.Second)
	c.SignatureCacheSize = p.integer("SIGNATURE_CACHE_SIZE", 10000)
	c.NonceTTL = p.seconds("NONCE_TTL", 300*time.Second)
	c.NonceCacheSize = p.integer("NONCE_CACHE_SIZE", 10000)
	c.TokenRateLimit = p.str("TOKEN_RATE_LIMIT", c.RateLimit)
	c.TokenRateCacheSize = p.integer("TOKEN_RATE_CACHE_SIZE", 10000)

	c.QueueOrders = p.boolean("QUEUE_ORDERS", false)
	c.QueueWorkers = p.integer("QUEUE_WORKERS", 4)
	c.QueueMaxRequeues = p.integer("QUEUE_MAX_REQUEUES", 5)

	c.PoolMaxSize = p.integer("POOL_MAX_SIZE", 5)
	c.PoolIdleTTL = p.seconds("POOL_IDLE_TTL", 10*time.Minute)
	c.RetryMax = p.integer("RETRY_MAX_ATTEMPTS", 3)
	c.RetryInitial = p.seconds("RETRY_INITIAL", time.Second)
	c.RetryCeiling = p.seconds("RETRY_MAX", 10*time.Second)

	c.DBDSN = getenv("DB_DSN")
	c.TokenDBPath = p.str("TOKEN_DB_PATH", DefaultTokenDBPath)
	c.VenuesFile = getenv("VENUES_FILE")

	c.JWTIssuer = p.str("JWT_ISSUER", "lv-tradehook")
	c.JWTSecret = getenv("JWT_SECRET")
	c.JWTTTL = p.seconds("JWT_TTL", 12*time.Hour)
	c.AdminPasswordHash = getenv("ADMIN_PASSWORD_HASH")
	if c.AdminPasswordHash != "" && c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.WebSocketOrigin = p.str("WS_ORIGIN", "*")
	if raw := strings.TrimSpace(getenv("CORS_ORIGINS")); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	if p.err != nil {
		return c, p.err
	}
	if c.SignatureCacheTTL <= 0 || c.NonceTTL <= 0 {
		return c, errors.New("SIGNATURE_CACHE_TTL and NONCE_TTL must be positive")
	}
	if c.PoolMaxSize < 1 {
		return c, errors.New("POOL_MAX_SIZE must be at least 1")
	}
	if c.RetryMax < 1 {
		return c, errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

// parser keeps the first conversion error so Load can report it after all
// keys have been read.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

// seconds accepts either a Go duration ("90s", "1m") or a bare integer number
// of seconds.
func (p *parser) seconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = errors.New("invalid " + key + ": " + err.Error())
	}
}
