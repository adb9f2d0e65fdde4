package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string
	LogLevel string

	DBDriver string // sqlite|postgres
	DBDSN    string

	QueueDriver       string // sql|memory
	WorkerConcurrency int
	JobMaxAttempts    int
	JobBackoffBase    time.Duration
	JobLease          time.Duration
	JobPollInterval   time.Duration
	BulkBatchSize     int

	StandingPolicyFile string

	BlobDriver     string // fs|minio|none
	BlobBasePath   string // for fs
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	AuthHMACSecret string
	TokenTTL       time.Duration
	AdminUser      string
	AdminPassHash  string // bcrypt

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	OTelExporter string // none|stdout|otlphttp
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	return Config{
		Mode:     mode,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),
		LogLevel: envOr("LOG_LEVEL", "info"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		QueueDriver:       envOr("QUEUE_DRIVER", "sql"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 3),
		JobMaxAttempts:    envInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase:    envDuration("JOB_BACKOFF_BASE", 5*time.Second),
		JobLease:          envDuration("JOB_LEASE", 2*time.Minute),
		JobPollInterval:   envDuration("JOB_POLL_INTERVAL", time.Second),
		BulkBatchSize:     envInt("BULK_BATCH_SIZE", 500),

		StandingPolicyFile: os.Getenv("STANDING_POLICY_FILE"),

		BlobDriver:     envOr("BLOB_DRIVER", "fs"),
		BlobBasePath:   envOr("BLOB_BASE_PATH", "./data"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    envOr("MINIO_BUCKET", "results-archive"),
		MinioUseSSL:    envBool("MINIO_USE_SSL", false),

		AuthHMACSecret: envOr("AUTH_HMAC_SECRET", "dev-secret-change-me"),
		TokenTTL:       envDuration("TOKEN_TTL", 8*time.Hour),
		AdminUser:      envOr("ADMIN_USER", "admin"),
		AdminPassHash:  envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		CORSOriginsOnline:  csvOr("CORS_ORIGINS_ONLINE", "https://results.mindengage.ai"),
		CORSOriginsOffline: csvOr("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010"),

		OTelExporter: envOr("OTEL_EXPORTER", "none"),
	}
}

// CORSOrigins returns the allowed origins for the configured mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER: unsupported %q", c.DBDriver)
	}
	switch c.QueueDriver {
	case "sql", "memory":
	default:
		return fmt.Errorf("QUEUE_DRIVER: unsupported %q", c.QueueDriver)
	}
	switch c.BlobDriver {
	case "fs", "minio", "none":
	default:
		return fmt.Errorf("BLOB_DRIVER: unsupported %q", c.BlobDriver)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.Mode == ModeOnline && c.AuthHMACSecret == "dev-secret-change-me" {
		return fmt.Errorf("AUTH_HMAC_SECRET must be set in online mode")
	}
	return nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k)))
	if err != nil {
		return def
	}
	return n
}
func envDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(k)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
