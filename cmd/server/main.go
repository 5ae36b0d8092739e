package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"wasteops/internal/config"
	"wasteops/internal/controllers"
	"wasteops/internal/events"
	"wasteops/internal/hub"
	"wasteops/internal/lock"
	"wasteops/internal/logger"
	"wasteops/internal/metrics"
	"wasteops/internal/middleware"
	"wasteops/internal/routes"
	"wasteops/internal/services"
	"wasteops/internal/store"
	"wasteops/internal/store/gormstore"
	"wasteops/internal/store/memstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	accessLog := logger.Setup(logger.Options{File: cfg.LogFile, Level: cfg.LogLevel, Stdout: cfg.LogStdout})
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := hub.New(0)
	defer changes.Close()

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		logrus.Warn("Using in-memory store; data is lost on restart")
		st = memstore.New(changes)
	default:
		db, err := config.InitDB(cfg)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialise database")
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		logrus.Info("Database connection and migrations successful")
		st = gormstore.New(db, changes)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb, err := lock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.LockTTL())
	}

	collector := metrics.NewCollector()

	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, collector)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer pub.Close()
		pub.Forward(st, store.TripSessions, store.WorkerAttendance)
	}

	deps := services.Deps{
		Store:   st,
		Locker:  locker,
		Clock:   services.SystemClock{},
		Metrics: collector,
		Options: cfg.ServiceOptions(),
	}
	h := &controllers.Handler{
		Trips:      services.NewTripSessionManager(deps),
		Attendance: services.NewAttendanceRecorder(deps),
		Gate:       services.NewProximityGate(deps),
		Analytics:  services.NewAggregator(deps),
		Store:      st,
		Auth:       middleware.NewAuth(cfg.JWTSecret),
		Location:   cfg.Location(),
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes.SetupRouter(h, collector.Handler(), accessLog),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Graceful shutdown failed")
	}
}
