// Package app builds a ready Engine out of a Config: it picks and connects
// every backend, and hands back what must be closed on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"FACEINDEX/blobstore"
	"FACEINDEX/checkpoint"
	"FACEINDEX/config"
	"FACEINDEX/embedding"
	"FACEINDEX/engine"
	"FACEINDEX/legacy"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/retry"
	"FACEINDEX/vectorindex"
)

// App owns the engine and the connections behind it.
type App struct {
	Config *config.Config
	Engine *engine.Engine
	Logger *slog.Logger

	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// RetryPolicy is the policy every store adapter is built with.
func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p
}

// EngineOptions maps the engine section onto engine.Options.
func EngineOptions(cfg config.EngineConfig, policy retry.Policy) (engine.Options, error) {
	multiFace, ok := engine.ParseMultiFacePolicy(cfg.MultiFacePolicy)
	if !ok {
		return engine.Options{}, fmt.Errorf("app: unknown multi face policy %q", cfg.MultiFacePolicy)
	}
	deleteRetry := policy
	deleteRetry.MaxAttempts = cfg.DeleteRetries
	deleteRetry.Classify = nil

	return engine.Options{
		Dimension:               cfg.Dimension,
		OverFetch:               cfg.OverFetch,
		DefaultMaxResults:       cfg.DefaultMaxResults,
		MaxResultsLimit:         cfg.MaxResultsLimit,
		DefaultThreshold:        cfg.DefaultThreshold,
		MaxHydrationFailureRate: cfg.MaxHydrationFailureRate,
		HydrationConcurrency:    cfg.HydrationConcurrency,
		StoreTimeout:            cfg.StoreTimeout,
		EmbedTimeout:            cfg.EmbedTimeout,
		CompensationTimeout:     cfg.CompensationTimeout,
		DeleteRetry:             deleteRetry,
		MultiFacePolicy:         multiFace,
		DisableVectorEcho:       !cfg.VectorEcho,
		MaxImageBytes:           cfg.MaxImageBytes,
		MigrateConcurrency:      cfg.MigrateConcurrency,
		DefaultBatchSize:        cfg.DefaultBatchSize,
		MaxBatchSize:            cfg.MaxBatchSize,
	}, nil
}

// New connects every configured backend. On error whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = NewLogger(cfg.Log, io.Discard)
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	policy := RetryPolicy(cfg.Retry)
	opts, err := EngineOptions(cfg.Engine, policy)
	if err != nil {
		return nil, err
	}

	var clients *awsClients
	if needsAWS(cfg) {
		if clients, err = newAWSClients(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	deps := engine.Deps{Logger: logger}
	if deps.Meta, err = a.metadataStore(cfg.Metadata, clients, policy); err != nil {
		return nil, err
	}
	if deps.Blobs, err = a.blobStore(cfg.Blob, cfg.Blob.Bucket, clients, policy); err != nil {
		return nil, err
	}
	if deps.Vectors, err = a.vectorIndex(cfg.Vector, cfg.Engine.Dimension, policy); err != nil {
		return nil, err
	}
	deps.Embedder = embedder(cfg.Embedding, cfg.Engine.Dimension, policy)
	if deps.Legacy, err = a.legacySource(cfg, clients, policy); err != nil {
		return nil, err
	}
	if deps.Checkpoints, err = a.checkpointStore(cfg.Checkpoint, logger); err != nil {
		return nil, err
	}

	if a.Engine, err = engine.New(deps, opts); err != nil {
		return nil, err
	}
	logger.Info("engine ready",
		"metadata", cfg.Metadata.Backend,
		"blob", cfg.Blob.Backend,
		"vector", cfg.Vector.Backend,
		"embedding", cfg.Embedding.Backend,
		"legacy", cfg.Legacy.Backend,
		"dimension", cfg.Engine.Dimension,
	)
	return a, nil
}

// Close releases every connection in reverse opening order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

type awsClients struct {
	s3       *s3.Client
	dynamodb *dynamodb.Client
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Metadata.Backend == "dynamodb" ||
		cfg.Blob.Backend == "s3" ||
		cfg.Legacy.Backend == "s3" ||
		(cfg.Legacy.Backend == "gorm" && cfg.Blob.Backend == "s3")
}

// newAWSClients uses the default credential chain unless static keys are
// configured. A custom endpoint points both clients at a local emulator.
func newAWSClients(ctx context.Context, cfg config.AWSConfig) (*awsClients, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: loading aws config: %w", err)
	}

	return &awsClients{
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		}),
		dynamodb: dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
	}, nil
}

func (a *App) openDB(driver, dsn string) (*gorm.DB, error) {
	db, err := models.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return db, nil
}

func (a *App) metadataStore(cfg config.MetadataConfig, clients *awsClients, policy retry.Policy) (metastore.Store, error) {
	switch cfg.Backend {
	case "mysql", "sqlite":
		db, err := a.openDB(cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("app: migrating metadata schema: %w", err)
		}
		return metastore.NewGorm(db, policy), nil
	case "dynamodb":
		return metastore.NewDynamoDB(clients.dynamodb, cfg.FacesTable, cfg.CollectionsTable, policy), nil
	case "memory":
		return metastore.NewMemory(), nil
	}
	return nil, fmt.Errorf("app: unknown metadata backend %q", cfg.Backend)
}

func (a *App) blobStore(cfg config.BlobConfig, bucket string, clients *awsClients, policy retry.Policy) (blobstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return blobstore.NewS3(clients.s3, bucket, cfg.Prefix, policy), nil
	case "minio":
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("app: creating minio client: %w", err)
		}
		return blobstore.NewMinIO(client, bucket, cfg.Prefix, policy), nil
	case "memory":
		return blobstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("app: unknown blob backend %q", cfg.Backend)
}

func (a *App) vectorIndex(cfg config.VectorConfig, dimension int, policy retry.Policy) (vectorindex.Index, error) {
	switch cfg.Backend {
	case "sqlitevec":
		idx, err := vectorindex.NewSQLiteVec(cfg.Path, dimension, policy)
		if err != nil {
			return nil, err
		}
		a.onClose(idx.Close)
		return idx, nil
	case "memory":
		return vectorindex.NewMemory(dimension), nil
	}
	return nil, fmt.Errorf("app: unknown vector backend %q", cfg.Backend)
}

func embedder(cfg config.EmbeddingConfig, dimension int, policy retry.Policy) embedding.Provider {
	if cfg.Backend == "http" {
		return embedding.NewHTTPProvider(cfg.URL, cfg.APIKey, cfg.Timeout, policy)
	}
	return embedding.NewDeterministic(dimension)
}

// legacySource returns nil for "none"; migration then fails with
// legacy.source.unavailable.
func (a *App) legacySource(cfg *config.Config, clients *awsClients, policy retry.Policy) (legacy.Source, error) {
	switch cfg.Legacy.Backend {
	case "none":
		return nil, nil
	case "s3":
		return legacy.NewS3Prefix(clients.s3, cfg.Legacy.Bucket, policy), nil
	case "gorm":
		db, err := a.openDB(cfg.Legacy.Driver, cfg.Legacy.DSN)
		if err != nil {
			return nil, err
		}
		// Legacy images live in the same kind of object store as new ones.
		images, err := a.blobStore(cfg.Blob, cfg.Legacy.ImageBucket, clients, policy)
		if err != nil {
			return nil, err
		}
		return legacy.NewGorm(db, images, policy), nil
	case "memory":
		return legacy.NewMemory(), nil
	}
	return nil, fmt.Errorf("app: unknown legacy backend %q", cfg.Legacy.Backend)
}

func (a *App) checkpointStore(cfg config.CheckpointConfig, logger *slog.Logger) (checkpoint.Store, error) {
	store, err := checkpoint.NewBadger(checkpoint.BadgerOptions{
		Dir:      cfg.Dir,
		InMemory: cfg.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}
