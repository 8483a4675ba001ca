package browserq

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Constants defining the Protocol
const (
	DefaultRedisPrefix = "BROWSERQ:"
	DefaultRedisHost   = "localhost"
	DefaultRedisPort   = "6379"
	DefaultRedisDB     = "0"

	ScreenshotFolder = "screenshots"
	ArtifactPrefix   = "artifacts/"
)

const (
	DefaultLeaseTimeout    = 60 * time.Second
	DefaultMaxAttempts     = 3
	DefaultConcurrency     = 2
	DefaultSessionTTL      = 30 * time.Minute
	DefaultResultRetention = 24 * time.Hour
	DefaultActionTimeout   = 30 * time.Second
)

// Config holds the connection details and runtime knobs shared by producers,
// workers and the HTTP surface.
type Config struct {
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisSSL      bool
	RedisPrefix   string
	EnvFile       string // Custom path to .env file

	LeaseTimeout    time.Duration
	MaxAttempts     int
	Concurrency     int
	SessionTTL      time.Duration
	ResultRetention time.Duration

	Headless       bool
	HTTPAddr       string
	PublicBaseURL  string
	LocalUploadDir string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// LoadConfig reads the environment (after loading the optional .env file)
// into a Config with defaults applied.
func LoadConfig(envFile string) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	db, _ := strconv.Atoi(getEnv("REDIS_DB", DefaultRedisDB))

	cfg := Config{
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisHost:     getEnv("REDIS_HOST", DefaultRedisHost),
		RedisPort:     getEnv("REDIS_PORT", DefaultRedisPort),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       db,
		RedisSSL:      getEnvBool("REDIS_SSL", false),
		RedisPrefix:   getEnv("REDIS_PREFIX", DefaultRedisPrefix),
		EnvFile:       envFile,

		LeaseTimeout:    getEnvDuration("LEASE_TIMEOUT", DefaultLeaseTimeout),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", DefaultMaxAttempts),
		Concurrency:     getEnvInt("WORKER_CONCURRENCY", DefaultConcurrency),
		SessionTTL:      getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		ResultRetention: getEnvDuration("RESULT_RETENTION", DefaultResultRetention),

		Headless:       getEnvBool("HEADLESS", true),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		PublicBaseURL:  os.Getenv("PUBLIC_BASE_URL"),
		LocalUploadDir: os.Getenv("LOCAL_UPLOAD_DIR"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    getEnv("S3_BUCKET", "browserq"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RedisPrefix == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = DefaultResultRetention
	}
	return c
}

// RedisOptions builds go-redis options from either RedisURL or the
// host/port/password triple.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL != "" {
		opt, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, NewBrowserError("invalid REDIS_URL: %v", err)
		}
		return opt, nil
	}

	host := c.RedisHost
	if host == "" {
		host = DefaultRedisHost
	}
	port := c.RedisPort
	if port == "" {
		port = DefaultRedisPort
	}

	opt := &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
	if c.RedisSSL {
		opt.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opt, nil
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, c Config) (*redis.Client, error) {
	opt, err := c.RedisOptions()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, NewBrowserError("failed to connect to Redis at %s: %v", opt.Addr, err)
	}
	return rdb, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
