package config

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"FACEINDEX/apperr"
)

// JWTClaims is what the front door expects inside a bearer token.
type JWTClaims struct {
	Username string `json:"username"`
	// Role "admin" unlocks collection administration and migration.
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Config is the whole service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Legacy     LegacyConfig     `mapstructure:"legacy"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	AWS        AWSConfig        `mapstructure:"aws"`
}

type ServerConfig struct {
	Listen       string   `mapstructure:"listen"`
	JWTKey       string   `mapstructure:"jwt_key"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
	// GinMode is debug, release or test.
	GinMode string `mapstructure:"gin_mode"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig mirrors engine.Options.
type EngineConfig struct {
	Dimension               int           `mapstructure:"dimension"`
	OverFetch               int           `mapstructure:"over_fetch"`
	DefaultMaxResults       int           `mapstructure:"default_max_results"`
	MaxResultsLimit         int           `mapstructure:"max_results_limit"`
	DefaultThreshold        float64       `mapstructure:"default_threshold"`
	MaxHydrationFailureRate float64       `mapstructure:"max_hydration_failure_rate"`
	HydrationConcurrency    int           `mapstructure:"hydration_concurrency"`
	StoreTimeout            time.Duration `mapstructure:"store_timeout"`
	EmbedTimeout            time.Duration `mapstructure:"embed_timeout"`
	CompensationTimeout     time.Duration `mapstructure:"compensation_timeout"`
	DeleteRetries           int           `mapstructure:"delete_retries"`
	MultiFacePolicy         string        `mapstructure:"multi_face_policy"`
	VectorEcho              bool          `mapstructure:"vector_echo"`
	MaxImageBytes           int           `mapstructure:"max_image_bytes"`
	MigrateConcurrency      int           `mapstructure:"migrate_concurrency"`
	DefaultBatchSize        int           `mapstructure:"default_batch_size"`
	MaxBatchSize            int           `mapstructure:"max_batch_size"`
}

// RetryConfig is the adapter retry policy. RatePerSecond zero disables the
// limiter.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// MetadataConfig selects the metadata store: mysql, sqlite, dynamodb or memory.
type MetadataConfig struct {
	Backend          string `mapstructure:"backend"`
	DSN              string `mapstructure:"dsn"`
	FacesTable       string `mapstructure:"faces_table"`
	CollectionsTable string `mapstructure:"collections_table"`
}

// BlobConfig selects the blob store: s3, minio or memory.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// VectorConfig selects the vector index: sqlitevec or memory.
type VectorConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// EmbeddingConfig selects the extractor: http or deterministic.
type EmbeddingConfig struct {
	Backend string        `mapstructure:"backend"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LegacyConfig selects the migration source: none, s3, gorm or memory.
type LegacyConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	DSN     string `mapstructure:"dsn"`
	Driver  string `mapstructure:"driver"`
	// ImageBucket holds the images referenced by the gorm source.
	ImageBucket string `mapstructure:"image_bucket"`
}

type CheckpointConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.jwt_key", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 20<<20)
	v.SetDefault("server.gin_mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.dimension", 512)
	v.SetDefault("engine.over_fetch", 3)
	v.SetDefault("engine.default_max_results", 10)
	v.SetDefault("engine.max_results_limit", 100)
	v.SetDefault("engine.default_threshold", 0.8)
	v.SetDefault("engine.max_hydration_failure_rate", 0.5)
	v.SetDefault("engine.hydration_concurrency", 8)
	v.SetDefault("engine.store_timeout", 10*time.Second)
	v.SetDefault("engine.embed_timeout", 30*time.Second)
	v.SetDefault("engine.compensation_timeout", 30*time.Second)
	v.SetDefault("engine.delete_retries", 3)
	v.SetDefault("engine.multi_face_policy", "highest_confidence")
	v.SetDefault("engine.vector_echo", true)
	v.SetDefault("engine.max_image_bytes", 15<<20)
	v.SetDefault("engine.migrate_concurrency", 4)
	v.SetDefault("engine.default_batch_size", 50)
	v.SetDefault("engine.max_batch_size", 1000)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 2*time.Second)
	v.SetDefault("retry.rate_per_second", 0)
	v.SetDefault("retry.burst", 10)

	v.SetDefault("metadata.backend", "sqlite")
	v.SetDefault("metadata.dsn", "faceindex.db")
	v.SetDefault("metadata.faces_table", "face_records")
	v.SetDefault("metadata.collections_table", "collections")

	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("blob.use_ssl", true)

	v.SetDefault("vector.backend", "sqlitevec")
	v.SetDefault("vector.path", "vectors.db")

	v.SetDefault("embedding.backend", "deterministic")
	v.SetDefault("embedding.url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.timeout", 20*time.Second)

	v.SetDefault("legacy.backend", "none")
	v.SetDefault("legacy.bucket", "")
	v.SetDefault("legacy.dsn", "")
	v.SetDefault("legacy.driver", "mysql")
	v.SetDefault("legacy.image_bucket", "")

	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.in_memory", false)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reconcile_interval", time.Hour)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
}

// Load reads .env (local development only), then the optional config file,
// then FACEINDEX_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env not found, using the process environment")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FACEINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeConfigInvalid, "reading config "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigInvalid, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, apperr.Wrap(errors.Join(errs...), apperr.CodeConfigInvalid, "validating config")
	}
	return &cfg, nil
}

// Validate collects every problem instead of stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateBackends()...)
	return errs
}

// RequireJWTKey is checked by commands that serve HTTP. Without a key every
// token would verify against an empty secret.
func (c *Config) RequireJWTKey() error {
	if c.Server.JWTKey == "" {
		return apperr.New(apperr.CodeConfigInvalid, "config: server.jwt_key must be set (FACEINDEX_SERVER_JWT_KEY)")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperr.Errorf(apperr.CodeConfigInvalid, "config: "+format, args...)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func (c *Config) validateServer() []error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, invalid("server.listen must be host:port, got %q", c.Server.Listen))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, invalid("server.max_body_bytes must be positive"))
	}
	if !oneOf(c.Server.GinMode, "debug", "release", "test") {
		errs = append(errs, invalid("server.gin_mode must be one of [debug, release, test], got %q", c.Server.GinMode))
	}
	if !oneOf(c.Log.Level, "debug", "info", "warn", "error") {
		errs = append(errs, invalid("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	if !oneOf(c.Log.Format, "json", "text") {
		errs = append(errs, invalid("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	return errs
}

func (c *Config) validateEngine() []error {
	var errs []error
	e := c.Engine
	if e.Dimension < 0 {
		errs = append(errs, invalid("engine.dimension must not be negative"))
	}
	if e.DefaultThreshold < 0 || e.DefaultThreshold > 1 {
		errs = append(errs, invalid("engine.default_threshold must be between 0 and 1, got %v", e.DefaultThreshold))
	}
	if e.MaxHydrationFailureRate <= 0 || e.MaxHydrationFailureRate > 1 {
		errs = append(errs, invalid("engine.max_hydration_failure_rate must be in (0, 1], got %v", e.MaxHydrationFailureRate))
	}
	if e.MaxResultsLimit < 1 || e.DefaultMaxResults < 1 || e.DefaultMaxResults > e.MaxResultsLimit {
		errs = append(errs, invalid("engine.default_max_results must be between 1 and engine.max_results_limit"))
	}
	if e.OverFetch < 1 {
		errs = append(errs, invalid("engine.over_fetch must be at least 1"))
	}
	if !oneOf(e.MultiFacePolicy, "highest_confidence", "reject") {
		errs = append(errs, invalid("engine.multi_face_policy must be one of [highest_confidence, reject], got %q", e.MultiFacePolicy))
	}
	if e.DefaultBatchSize < 1 || e.DefaultBatchSize > e.MaxBatchSize {
		errs = append(errs, invalid("engine.default_batch_size must be between 1 and engine.max_batch_size"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, invalid("retry.max_attempts must be at least 1"))
	}
	return errs
}

func (c *Config) validateBackends() []error {
	var errs []error

	if !oneOf(c.Metadata.Backend, "mysql", "sqlite", "dynamodb", "memory") {
		errs = append(errs, invalid("metadata.backend must be one of [mysql, sqlite, dynamodb, memory], got %q", c.Metadata.Backend))
	}
	if oneOf(c.Metadata.Backend, "mysql", "sqlite") && c.Metadata.DSN == "" {
		errs = append(errs, invalid("metadata.dsn is required for the %s backend", c.Metadata.Backend))
	}

	if !oneOf(c.Blob.Backend, "s3", "minio", "memory") {
		errs = append(errs, invalid("blob.backend must be one of [s3, minio, memory], got %q", c.Blob.Backend))
	}
	if oneOf(c.Blob.Backend, "s3", "minio") && c.Blob.Bucket == "" {
		errs = append(errs, invalid("blob.bucket is required for the %s backend", c.Blob.Backend))
	}
	if c.Blob.Backend == "minio" && c.Blob.Endpoint == "" {
		errs = append(errs, invalid("blob.endpoint is required for the minio backend"))
	}

	if !oneOf(c.Vector.Backend, "sqlitevec", "memory") {
		errs = append(errs, invalid("vector.backend must be one of [sqlitevec, memory], got %q", c.Vector.Backend))
	}
	if c.Vector.Backend == "sqlitevec" {
		if c.Vector.Path == "" {
			errs = append(errs, invalid("vector.path is required for the sqlitevec backend"))
		}
		if c.Engine.Dimension <= 0 {
			errs = append(errs, invalid("engine.dimension is required for the sqlitevec backend"))
		}
	}

	if !oneOf(c.Embedding.Backend, "http", "deterministic") {
		errs = append(errs, invalid("embedding.backend must be one of [http, deterministic], got %q", c.Embedding.Backend))
	}
	if c.Embedding.Backend == "http" && c.Embedding.URL == "" {
		errs = append(errs, invalid("embedding.url is required for the http backend"))
	}
	if c.Embedding.Backend == "deterministic" && c.Engine.Dimension <= 0 {
		errs = append(errs, invalid("engine.dimension is required for the deterministic backend"))
	}

	if !oneOf(c.Legacy.Backend, "none", "s3", "gorm", "memory") {
		errs = append(errs, invalid("legacy.backend must be one of [none, s3, gorm, memory], got %q", c.Legacy.Backend))
	}
	if c.Legacy.Backend == "s3" && c.Legacy.Bucket == "" {
		errs = append(errs, invalid("legacy.bucket is required for the s3 backend"))
	}
	if c.Legacy.Backend == "gorm" && (c.Legacy.DSN == "" || c.Legacy.ImageBucket == "") {
		errs = append(errs, invalid("legacy.dsn and legacy.image_bucket are required for the gorm backend"))
	}

	if !c.Checkpoint.InMemory && c.Checkpoint.Dir == "" {
		errs = append(errs, invalid("checkpoint.dir is required unless checkpoint.in_memory is set"))
	}
	if c.Scheduler.Enabled && c.Scheduler.ReconcileInterval < time.Minute {
		errs = append(errs, invalid("scheduler.reconcile_interval must be at least 1m, got %s", c.Scheduler.ReconcileInterval))
	}
	return errs
}
