// Package clients builds the external clients shared by the API server and
// the worker from the global configuration.
package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	openfga "github.com/openfga/api/proto/openfga/v1"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/drivesync-backend/config"
	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/drive"
	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/object"
	"github.com/instill-ai/drivesync-backend/pkg/token"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/drivesync-backend/pkg/db"
)

// Clients holds the connections to the external services.
type Clients struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Storage  object.Storage
	VectorDB repository.VectorDatabase
	Temporal temporalclient.Client
	Tuples   acl.TupleStore

	closeFuncs map[string]func() error
	logger     *zap.Logger
}

// New initializes all external service clients. serviceName tags the
// Temporal traces.
func New(ctx context.Context, serviceName string, logger *zap.Logger) (*Clients, error) {
	c := &Clients{closeFuncs: map[string]func() error{}, logger: logger}

	// Initialize PostgreSQL database connection (sync metadata, sources,
	// files and tokens)
	db, err := database.GetSharedConnection()
	if err != nil {
		return nil, err
	}
	c.DB = db
	c.closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (access token cache)
	if config.Config.Cache.Redis.Enabled {
		c.Redis = redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
		c.closeFuncs["redis"] = c.Redis.Close
	}

	// Initialize object storage. GCS takes precedence when a bucket is
	// configured; MinIO is the default.
	if c.Storage, err = newObjectStorage(ctx, logger); err != nil {
		c.Close()
		return nil, err
	}

	// Initialize Milvus client (search index cleanup on file removal)
	if config.Config.Milvus.Host != "" {
		vectorDB, vclose, err := repository.NewVectorDatabase(ctx, config.Config.Milvus.Host, config.Config.Milvus.Port)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.VectorDB = vectorDB
		c.closeFuncs["milvus"] = vclose
	} else {
		logger.Warn("Milvus not configured, search index entries won't be removed with their files")
	}

	// Initialize Temporal client (workflow orchestration)
	if c.Temporal, err = newTemporalClient(serviceName, logger); err != nil {
		c.Close()
		return nil, err
	}
	c.closeFuncs["temporal"] = func() error {
		c.Temporal.Close()
		return nil
	}

	// Initialize OpenFGA client (group sharing)
	fgaClient, fgaConn := acl.InitOpenFGAClient(ctx, config.Config.OpenFGA.Host, config.Config.OpenFGA.Port)
	c.closeFuncs["fga"] = fgaConn.Close

	var fgaReplicaClient openfga.OpenFGAServiceClient
	if config.Config.OpenFGA.Replica.Host != "" {
		var fgaReplicaConn *grpc.ClientConn
		fgaReplicaClient, fgaReplicaConn = acl.InitOpenFGAClient(ctx, config.Config.OpenFGA.Replica.Host, config.Config.OpenFGA.Replica.Port)
		c.closeFuncs["fgaReplica"] = fgaReplicaConn.Close
	}
	c.Tuples = acl.NewACLClient(fgaClient, fgaReplicaClient, c.Redis)

	return c, nil
}

// Close closes every connection.
func (c *Clients) Close() {
	for conn, fn := range c.closeFuncs {
		if err := fn(); err != nil {
			c.logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
		}
	}
}

// Repository returns the sync repository over the database.
func (c *Clients) Repository() repository.Repository {
	return repository.NewRepository(c.DB)
}

// Ingester returns the ingester that stores synced content and hands it to
// the processing workflow.
func (c *Clients) Ingester(repo repository.Repository) ingest.Ingester {
	return ingest.NewIngester(ingest.Params{
		Repository: repo,
		Storage:    c.Storage,
		VectorDB:   c.VectorDB,
		Temporal:   c.Temporal,
		Config: ingest.Config{
			ProcessWorkflowName: config.Config.Ingest.ProcessWorkflowName,
			TaskQueue:           config.Config.Ingest.TaskQueue,
		},
		Logger: c.logger,
	})
}

// TokenManager returns the credential manager. The access token cache lives
// in Redis when it's enabled.
func (c *Clients) TokenManager(repo repository.Repository) (*token.Manager, error) {
	sealer, err := token.NewAgeSealer(config.Config.Crypto.AgeIdentity)
	if err != nil {
		return nil, fmt.Errorf("loading credential key: %w", err)
	}

	clk := clock.Real{}
	var cache token.Cache
	if c.Redis != nil {
		cache = token.NewRedisCache(c.Redis, clk, c.logger)
	}

	oauth := config.Config.OAuth
	return token.NewManager(token.ManagerParams{
		Repository: repo,
		Sealer:     sealer,
		Refresher: token.NewOAuthRefresher(token.OAuthConfig{
			ClientID:      oauth.ClientID,
			ClientSecret:  oauth.ClientSecret,
			Scopes:        oauth.Scopes,
			AuthorityHost: oauth.AuthorityHost,
		}),
		Cache:        cache,
		Clock:        clk,
		ExpiryBuffer: oauth.ExpiryBuffer,
		Logger:       c.logger,
	}), nil
}

// DriveClient returns the remote drive client.
func DriveClient(logger *zap.Logger) drive.Client {
	cfg := config.Config.Drive
	return drive.NewClient(drive.Config{
		BaseURL:        cfg.BaseURL,
		RetryCount:     cfg.RetryCount,
		RetryWait:      cfg.RetryWait,
		RetryMaxWait:   cfg.RetryMaxWait,
		RequestTimeout: cfg.RequestTimeout,
		MaxFileSize:    cfg.MaxFileSize,
	}, logger)
}

func newObjectStorage(ctx context.Context, logger *zap.Logger) (object.Storage, error) {
	if gcs := config.Config.GCS; gcs.Bucket != "" {
		storage, err := object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID: gcs.ProjectID,
			Bucket:    gcs.Bucket,
			// Trim whitespace from service account key to handle YAML
			// multiline formatting
			ServiceAccountKey: strings.TrimSpace(gcs.SAKey),
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("GCS object storage initialized", zap.String("bucket", gcs.Bucket))
		return storage, nil
	}

	storage, err := object.NewMinIOStorage(ctx, config.Config.Minio, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("MinIO object storage initialized", zap.String("bucket", config.Config.Minio.BucketName))
	return storage, nil
}

func newTemporalClient(serviceName string, logger *zap.Logger) (temporalclient.Client, error) {
	opts, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		return nil, fmt.Errorf("building Temporal client options: %w", err)
	}

	// Add OpenTelemetry tracing interceptor if enabled
	if config.Config.OTELCollector.Enable {
		tracing, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating Temporal tracing interceptor: %w", err)
		}
		opts.Interceptors = []interceptor.ClientInterceptor{tracing}
	}

	client, err := temporalclient.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dialing Temporal: %w", err)
	}
	return client, nil
}
