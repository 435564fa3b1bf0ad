package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/api"
	"github.com/t77yq/task-scheduler/internal/dispatch"
	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/handler"
	"github.com/t77yq/task-scheduler/internal/lifecycle"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/service"
	"github.com/t77yq/task-scheduler/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.path", "tasks.db")
	viper.SetDefault("executor.poll_interval", time.Minute)
	viper.SetDefault("executor.max_concurrent", 4)
	viper.SetDefault("dispatch.timeout", 30*time.Second)
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Open task store
	taskStore, err := store.NewSQLiteTaskStore(logger, viper.GetString("database.path"))
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer taskStore.Close()

	// Connect to NATS if configured; the message handler degrades to a
	// logged stand-in without it
	var js nats.JetStreamContext
	if viper.GetBool("nats.enabled") {
		nc, err := connectNATS(logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		if err := handler.SetupMessageStream(js); err != nil {
			logger.Fatal("Failed to setup message stream", zap.Error(err))
		}
	}

	// Initialize and register action handlers
	dispatcher := dispatch.NewDispatcher(viper.GetDuration("dispatch.timeout"), logger)
	dispatcher.Register(model.ActionWebhook, handler.NewWebhookHandler(logger))
	dispatcher.Register(model.ActionMessage, handler.NewMessageHandler(logger, js))

	lifecycleManager := lifecycle.NewManager(taskStore, logger)

	taskExecutor := executor.New(taskStore, lifecycleManager, dispatcher, executor.Config{
		MaxConcurrent: viper.GetInt("executor.max_concurrent"),
		MaxCPU:        viper.GetFloat64("executor.max_cpu"),
	}, logger)

	taskService := service.NewTaskService(taskStore, dispatcher, logger)
	apiServer := api.NewServer(taskService, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Drive executor ticks on a fixed cadence
	pollInterval := viper.GetDuration("executor.poll_interval")
	ticker := cron.New()
	_, err = ticker.AddFunc(fmt.Sprintf("@every %s", pollInterval), func() {
		if _, err := taskExecutor.RunOnce(ctx); err != nil {
			logger.Error("Executor tick failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("Failed to schedule executor tick", zap.Error(err))
	}
	ticker.Start()
	logger.Info("Executor tick scheduled", zap.Duration("interval", pollInterval))

	// Serve the task API
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: apiServer.Router(),
	}

	go func() {
		logger.Info("API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server stopped", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown: stop accepting ticks and requests, let the
	// in-flight tick finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}

	select {
	case <-ticker.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, a tick may not have completed")
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS connects with retry and the standard reconnect handlers
func connectNATS(logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
