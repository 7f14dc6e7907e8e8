package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"

	"github.com/instill-ai/drivesync-backend/config"
	"github.com/instill-ai/drivesync-backend/internal/clients"
	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/scheduler"
	"github.com/instill-ai/drivesync-backend/pkg/syncer"
	"github.com/instill-ai/drivesync-backend/pkg/temporal"

	syncworker "github.com/instill-ai/drivesync-backend/pkg/worker"
	logx "github.com/instill-ai/x/log"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker
const gracefulShutdownTimeout = 10 * time.Minute    // Maximum time for in-flight passes to record their outcome

var (
	// These variables might be overridden at buildtime.
	serviceName    = "drivesync-backend-worker"
	serviceVersion = "dev"
)

func main() {
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

	// Set gRPC logging based on debug mode
	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0) // All logs including transport layer
	} else {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3) // Suppress transport layer logs (verbosity 3+)
	}

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

	clk := clock.Real{}
	runner := syncer.NewRunner(syncer.RunnerParams{
		Repository: repo,
		Tokens:     tokens,
		Sources:    syncer.NewWorker(repo, clients.DriveClient(logger), cl.Ingester(repo), clk, logger),
		Enforcer:   acl.NewService(repo, cl.Tuples, logger),
		Clock:      clk,
		Logger:     logger,

		HeartbeatInterval: config.Config.Server.Scheduler.HeartbeatInterval,
	})

	sw := syncworker.New(syncworker.Config{Runner: runner}, logger)

	w := worker.New(cl.Temporal, temporal.TaskQueue, worker.Options{
		WorkflowPanicPolicy: worker.BlockWorkflow,
		WorkerStopTimeout:   gracefulShutdownTimeout,
		Interceptors: func() []interceptor.WorkerInterceptor {
			if !config.Config.OTELCollector.Enable {
				return nil
			}
			workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
				Tracer:            otel.Tracer(serviceName),
				TextMapPropagator: otel.GetTextMapPropagator(),
			})
			if err != nil {
				logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
			}
			return []interceptor.WorkerInterceptor{workerInterceptor}
		}(),
	})

	w.RegisterWorkflow(sw.SyncKnowledgeBaseWorkflow) // Manually triggered sync pass
	w.RegisterActivity(sw.RunSyncPassActivity)       // Runs a pass over every source of a knowledge base

	if err := w.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("Unable to start worker: %s", err))
	}
	logger.Info("Temporal worker started successfully and is polling for tasks")

	// Scheduled passes run in this process, one knowledge base at a time.
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if !config.Config.Server.Scheduler.Enabled {
			logger.Info("Sync scheduler disabled")
			return
		}
		scheduler.New(repo, runner, clk, scheduler.Config{
			WakeInterval: config.Config.Server.Scheduler.WakeInterval,
			StaleAfter:   config.Config.Server.Scheduler.StaleAfter,
		}, logger).Start(ctx)
	}()

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	// Note: SIGKILL (kill -9) cannot be caught and will force immediate termination
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	// Block until shutdown signal received
	<-quitSig

	// A pass interrupted between files records its outcome before returning.
	logger.Info("Shutdown signal received, stopping the scheduler...")
	cancel()
	<-schedulerDone

	logger.Info("Waiting for in-flight workflows to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}
