package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	CORSOrigin    string
	LogLevel      string
	LogFormat     string
	// Redis backs undo session state and, when MinIO is absent, snapshots.
	RedisURL string
	// Meilisearch indexes commit messages; search falls back to the store when unset.
	MeiliURL       string
	MeiliMasterKey string
	// MinIO holds undo snapshots.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// ReposDir enables the git history mirror when non-empty.
	ReposDir string

	UndoMaxStackSize  int
	UndoFlushInterval time.Duration
	UndoSessionTTL    time.Duration
	UndoMaxSessions   int
}

func Load() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		MigrationsDir:     getenv("OTTOWRITE_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:         getenv("OTTOWRITE_JWT_SECRET", "ottowrite-dev-secret"),
		CORSOrigin:        getenv("OTTOWRITE_CORS_ORIGIN", "*"),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "text")),
		RedisURL:          getenv("REDIS_URL", ""),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:     getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:    getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:    getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:       getenv("MINIO_BUCKET", "ottowrite-snapshots"),
		MinioUseSSL:       getenvBool("MINIO_USE_SSL", false),
		ReposDir:          getenv("OTTOWRITE_REPOS_DIR", ""),
		UndoMaxStackSize:  getenvInt("UNDO_MAX_STACK_SIZE", 50),
		UndoFlushInterval: getenvDuration("UNDO_FLUSH_INTERVAL", 30*time.Second),
		UndoSessionTTL:    getenvDuration("UNDO_SESSION_TTL", 24*time.Hour),
		UndoMaxSessions:   getenvInt("UNDO_MAX_SESSIONS", 1024),
	}
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.JWTSecret, validation.Required, validation.Length(8, 0)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.UndoMaxStackSize, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.UndoFlushInterval, validation.Min(time.Second)),
		validation.Field(&c.UndoSessionTTL, validation.Min(time.Minute)),
		validation.Field(&c.UndoMaxSessions, validation.Min(1)),
		validation.Field(&c.MinioAccessKey, validation.When(c.MinioEndpoint != "", validation.Required)),
		validation.Field(&c.MinioSecretKey, validation.When(c.MinioEndpoint != "", validation.Required)),
		validation.Field(&c.MinioBucket, validation.When(c.MinioEndpoint != "", validation.Required)),
	)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
