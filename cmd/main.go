package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/franzego/habitpush/internal/auth"
	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/devices"
	"github.com/franzego/habitpush/internal/dispatch"
	"github.com/franzego/habitpush/internal/handlers"
	"github.com/franzego/habitpush/internal/idempotency"
	"github.com/franzego/habitpush/internal/job"
	"github.com/franzego/habitpush/internal/logger"
	"github.com/franzego/habitpush/internal/middleware"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/notifications"
	"github.com/franzego/habitpush/internal/push"
	"github.com/franzego/habitpush/internal/queue"
	"github.com/franzego/habitpush/internal/quota"
	"github.com/franzego/habitpush/internal/ratelimit"
	"github.com/franzego/habitpush/internal/services"
	"github.com/franzego/habitpush/internal/users"
	"github.com/franzego/habitpush/internal/window"
	redisclient "github.com/franzego/habitpush/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.MockServices && (cfg.Auth.JWTSecret == "" || cfg.Auth.TaskSecret == "") {
		return errors.New("auth.jwt_secret and auth.task_secret are required")
	}
	if cfg.MockServices {
		zl.Warn("running with mock services: no subscription, content, push or user directory calls leave the process")
	}

	rdb, err := redisclient.InitRedis(cfg.Redis, zl)
	if err != nil {
		return err
	}
	defer rdb.Close()

	clientRabbit, err := queue.NewRabbitMqClient(cfg.RabbitMQ, zl)
	if err != nil {
		return err
	}
	defer clientRabbit.CloseConnection()

	slots, err := window.ParseSlots(cfg.Windows)
	if err != nil {
		return err
	}
	calc := window.NewCalculator(slots, cfg.Quota.FreeNotificationLimit, cfg.Job.SafetyMargin)

	subscriptions := services.NewSubscriptionClient(cfg.Services, cfg.Breaker, cfg.MockServices, zl)
	content := services.NewContentClient(cfg.Services, cfg.Breaker, cfg.MockServices, zl)
	breakers := []*gobreaker.CircuitBreaker{subscriptions.Breaker(), content.Breaker()}

	gate := quota.NewGate(rdb, subscriptions, quota.Limits{
		AnonymousMessages: cfg.Quota.AnonymousMessageLimit,
		FreeMessages:      cfg.Quota.FreeMessageLimit,
		FreeNotifications: cfg.Quota.FreeNotificationLimit,
		PremiumDaily:      cfg.Quota.PremiumDailyLimit,
		PremiumPenalty:    cfg.Quota.PremiumPenalty,
	}, zl)
	registry := devices.NewRegistry(rdb, zl)
	records := notifications.NewStore(rdb)
	claims := idempotency.NewGuard(rdb, cfg.Job.MarkerTTL)
	scheduler := queue.NewScheduler(clientRabbit, cfg.RabbitMQ, cfg.Queue, zl)

	var sender push.Sender
	if cfg.MockServices {
		sender = push.NewLogSender(zl)
	} else {
		fcm, err := push.NewFCMSender(ctx, cfg.Push, cfg.Breaker, zl)
		if err != nil {
			return err
		}
		breakers = append(breakers, fcm.Breaker())
		sender = fcm
	}

	var directory users.Directory
	if cfg.MockServices {
		directory = users.NewStaticDirectory()
	} else {
		pg, err := users.NewPostgresDirectory(ctx, cfg.Postgres, zl)
		if err != nil {
			return err
		}
		defer pg.Close()
		directory = pg
	}

	dispatcher := dispatch.NewHandler(dispatch.Dependencies{
		Records:    records,
		Devices:    registry,
		Sender:     sender,
		Usage:      gate,
		Claims:     claims,
		Queue:      scheduler,
		Calculator: calc,
	}, cfg.Push.BatchSize, zl)

	runner := job.NewRunner(job.Dependencies{
		Users:      directory,
		Quota:      gate,
		Devices:    registry,
		Claims:     claims,
		Scheduler:  scheduler,
		Content:    content,
		Calculator: calc,
	}, cfg.Job, models.Content{
		Title: cfg.Services.FallbackTitle,
		Body:  cfg.Services.FallbackBody,
	}, zl)
	daily, err := job.NewCron(runner, cfg.Job, zl)
	if err != nil {
		return err
	}

	var target queue.Target = queue.TargetFunc(dispatcher.Deliver)
	if cfg.Queue.Target == "http" {
		hook := queue.NewHTTPTarget(strings.TrimRight(cfg.Server.PublicURL, "/")+"/tasks/dispatch",
			cfg.Auth, cfg.Push.SendTimeout, cfg.Breaker, zl)
		breakers = append(breakers, hook.Breaker())
		target = hook
	}
	worker := queue.NewWorker(clientRabbit, clientRabbit, target, cfg.Queue, zl)

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Queue.SetupTimeout)
	readiness, err := scheduler.EnsureQueue(setupCtx)
	cancel()
	if err != nil {
		return err
	}
	zl.Info("task queue checked", zap.Stringer("readiness", readiness))

	limiter := ratelimit.NewLimiter(rdb, ratelimit.Rate{
		Limit:  cfg.RateLimit.MaxRequests,
		Window: cfg.RateLimit.Window,
	}, ratelimit.WithLogger(zl))

	healthHandler := handlers.NewHealthHandler(clientRabbit, rdb, breakers...)
	dispatchHandler := handlers.NewDispatchHandler(dispatcher, zl)
	notificationHandler := handlers.NewNotificationHandler(records, registry, zl)
	chatHandler := handlers.NewChatHandler(gate, zl)
	adminHandler := handlers.NewAdminHandler(daily, zl)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(zl))

	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/tasks/dispatch",
		middleware.RequireScope(cfg.Auth.TaskSecret, auth.ScopeDispatch),
		dispatchHandler.Dispatch,
	)

	api := r.Group("/api/v1", middleware.RateLimit(limiter), middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	{
		api.GET("/notifications", notificationHandler.ListNotifications)
		api.GET("/notifications/:id", notificationHandler.GetNotification)
		api.GET("/devices", notificationHandler.ListDevices)
		api.POST("/devices", notificationHandler.RegisterDevice)
		api.DELETE("/devices/:token", notificationHandler.DeleteDevice)
		api.POST("/devices/:token/badge/reset", notificationHandler.ResetBadge)
		api.POST("/chat/admit", chatHandler.Admit)
	}

	admin := r.Group("/admin", middleware.RateLimit(limiter), middleware.RequireScope(cfg.Auth.JWTSecret, auth.ScopeAdmin))
	admin.POST("/jobs/daily", adminHandler.RunDailyJob)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	errCh := make(chan error, 2)
	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	daily.Start()

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err = <-errCh:
		zl.Error("component failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	daily.Stop(shutdownCtx)
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		zl.Warn("http server shutdown", zap.Error(serr))
	}
	return err
}
