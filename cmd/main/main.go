package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"

	"github.com/instill-ai/drivesync-backend/config"
	"github.com/instill-ai/drivesync-backend/internal/clients"
	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/handler"
	"github.com/instill-ai/drivesync-backend/pkg/middleware"
	"github.com/instill-ai/drivesync-backend/pkg/source"

	servicePkg "github.com/instill-ai/drivesync-backend/pkg/service"
	logx "github.com/instill-ai/x/log"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownTimeout = 30 * time.Second

var (
	// These variables might be overridden at buildtime.
	serviceName    = "drivesync-backend"
	serviceVersion = "dev"
)

func main() {
	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	// verbosity 3 will avoid [transport] from emitting
	grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3)

	cl, err := clients.New(ctx, serviceName, logger)
	if err != nil {
		logger.Fatal("Unable to initialize clients", zap.Error(err))
	}
	defer cl.Close()

	repo := cl.Repository()
	tokens, err := cl.TokenManager(repo)
	if err != nil {
		logger.Fatal("Unable to create token manager", zap.Error(err))
	}

	service := servicePkg.NewService(servicePkg.Params{
		Repository: repo,
		Registry:   source.NewRegistry(repo, cl.Ingester(repo), config.Config.Server.Scheduler.DefaultSyncInterval, logger),
		Tokens:     tokens,
		ACL:        acl.NewService(repo, cl.Tuples, logger),
		Temporal:   cl.Temporal,
		Logger:     logger,
	})

	publicServeMux := runtime.NewServeMux()
	if err := handler.NewHandler(service, logger).Register(publicServeMux); err != nil {
		logger.Fatal("Unable to register routes", zap.Error(err))
	}

	publicHTTPServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.PublicPort),
		// h2c serves HTTP/2 requests without TLS.
		Handler: h2c.NewHandler(middleware.Chain(publicServeMux,
			middleware.Tracing(serviceName),
			middleware.AccessLog(logger),
			middleware.Recovery(logger),
		), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errSig := make(chan error, 1)
	go func() {
		var err error
		switch {
		case config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "":
			err = publicHTTPServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		default:
			err = publicHTTPServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errSig <- err
		}
	}()

	logger.Info("HTTP server is running.", zap.Int("port", config.Config.Server.PublicPort))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error("Fatal error", zap.Error(err))
	case <-quitSig:
		logger.Info("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		if err := publicHTTPServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown", zap.Error(err))
		}
	}
}
