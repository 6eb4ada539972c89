package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/handler"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Exam          *handler.ExamHandler
	Monitor       *handler.MonitorHandler
	WS            *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(requestLogger(log))

	brotliConfig := middleware.DefaultBrotliConfig
	brotliConfig.SkipPrefixes = []string{"/ws/"}
	router.Use(middleware.BrotliWithConfig(brotliConfig))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// 30 login attempts per minute per IP.
	authLimiter := middleware.NewRateLimiter(rdb, "auth", 30, time.Minute, log)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(authLimiter.Middleware())
	{
		auth.POST("/student/login", handlers.Auth.StudentLogin)
		auth.POST("/admin/login", handlers.Auth.AdminLogin)

		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
		auth.GET("/student/me",
			middleware.RequireStudentJWT(authService),
			middleware.CheckSingleDeviceSession(authService),
			handlers.Auth.GetStudentProfile,
		)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/exam-policy", middleware.CacheControl(300), handlers.StudentPortal.GetExamPolicy)
		studentAPI.POST("/start/:exam_id", handlers.StudentPortal.StartExam)
		studentAPI.POST("/submit", handlers.StudentPortal.SubmitExam)

		exam := studentAPI.Group("/exam/:exam_id")
		{
			exam.GET("/questions", handlers.StudentPortal.GetQuestions)
			exam.GET("/state", handlers.StudentPortal.GetExamState)
			exam.POST("/answers", handlers.StudentPortal.SaveAnswers)

			exam.GET("/progress", handlers.StudentPortal.GetProgress)
			exam.PUT("/progress", handlers.StudentPortal.SaveProgress)
			exam.DELETE("/progress", handlers.StudentPortal.DiscardProgress)
			exam.POST("/progress/resume", handlers.StudentPortal.ResumeProgress)
		}
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentWSAuth(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService), middleware.NoStore())
	{
		// Exam definitions
		adminAPI.GET("/exams",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.ListExams,
		)
		adminAPI.POST("/exams",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.CreateExam,
		)
		adminAPI.GET("/exams/:id",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetExam,
		)
		adminAPI.PUT("/exams/:id",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.UpdateExam,
		)
		adminAPI.DELETE("/exams/:id",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.DeleteExam,
		)
		adminAPI.POST("/exams/:id/cancel",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.CancelExam,
		)

		// Results
		adminAPI.GET("/exams/:id/results",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetExamResults,
		)
		adminAPI.GET("/exams/:id/results/:student_id",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetStudentResult,
		)
		adminAPI.GET("/exams/:id/monitor",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Monitor.MonitorExamSSE,
		)

		// Schedule registry diagnostics
		adminAPI.GET("/active-timers",
			middleware.RequirePermission(model.PermissionTimersRead),
			handlers.Exam.ListActiveTimers,
		)

		// Student sessions
		adminAPI.POST("/students/:student_id/reset-session",
			middleware.RequirePermission(model.PermissionStudentsResetSession),
			handlers.Auth.ResetStudentSession,
		)
	}

	return router
}

// requestLogger writes one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	httpLog := log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := httpLog.Info()
		switch {
		case status >= http.StatusInternalServerError:
			ev = httpLog.Error()
		case status >= http.StatusBadRequest:
			ev = httpLog.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", response.RequestID(c)).
			Msg("Request")
	}
}
