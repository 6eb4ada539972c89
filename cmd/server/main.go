package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/clock"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/database"
	"github.com/stemsi/exam-session-backend/internal/handler"
	"github.com/stemsi/exam-session-backend/internal/logger"
	"github.com/stemsi/exam-session-backend/internal/progress"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/router"
	"github.com/stemsi/exam-session-backend/internal/service"
	"github.com/stemsi/exam-session-backend/internal/validator"
	"github.com/stemsi/exam-session-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("timezone", cfg.Exam.Timezone.String()).
		Msg("Starting exam session backend")
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	studentRepo := repository.NewStudentRepository(pool)
	adminRepo := repository.NewAdminRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clock.New(cfg.Exam.Timezone)

	progressCache := progress.NewCache(
		progress.NewRedisStore(rdb, cfg.Exam.ProgressTTL),
		cfg.Exam.ProgressDebounce,
		log,
	)

	registry := service.NewScheduleRegistry(examRepo, clk, cfg.Exam.Timezone, log)
	authService := service.NewAuthService(cfg, rdb, studentRepo, adminRepo)
	examService := service.NewExamService(examRepo, registry, log)
	sessionService := service.NewExamSessionService(
		examRepo, studentRepo, questionRepo, sessionRepo,
		progressCache, clk, cfg.Exam, log,
	)
	monitorService := service.NewMonitorService(examRepo, sessionRepo, rdb, clk, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, studentRepo, log),
		StudentPortal: handler.NewStudentPortalHandler(sessionService, progressCache, monitorService, log),
		Exam:          handler.NewExamHandler(examService, sessionService, registry, log),
		Monitor:       handler.NewMonitorHandler(monitorService, log),
		WS:            handler.NewWSHandler(rdb, sessionService, progressCache, monitorService, log, cfg.AllowedOrigins),
	}

	// ─── Rebuild Exam Timers ──────────────────────────────────────────
	// Re-arm start and end transitions for every scheduled or active exam
	// BEFORE accepting traffic. Timers whose instant already passed fire
	// on the registry's first tick.
	if n, err := registry.Reinitialize(ctx); err != nil {
		log.Error().Err(err).Msg("Schedule registry reinitialize failed")
	} else {
		log.Info().Int("exams", n).Msg("Schedule registry reinitialized")
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 3)

	finalizer := worker.NewAutoFinalizer(sessionService, cfg.Exam.FinalizerInterval, log).WithEvents(monitorService)
	autosaveWorker := worker.NewAutosaveWorker(sessionService, rdb, log)

	go func() {
		registry.Run(workerCtx)
		workersDone <- struct{}{}
	}()
	go func() {
		finalizer.Start(workerCtx)
		workersDone <- struct{}{}
	}()
	go func() {
		autosaveWorker.Start(workerCtx)
		workersDone <- struct{}{}
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, rdb, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Write out debounced progress so a restart resumes from the latest answers.
	if err := progressCache.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Progress flush failed")
	}

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	drainTimeout := time.After(5 * time.Second)
drain:
	for i := 0; i < cap(workersDone); i++ {
		select {
		case <-workersDone:
		case <-drainTimeout:
			log.Warn().Msg("Background workers did not stop in time")
			break drain
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
