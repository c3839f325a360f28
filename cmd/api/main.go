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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/edutrack-api/api/swagger"
	"github.com/noah-isme/edutrack-api/internal/handler"
	internalmiddleware "github.com/noah-isme/edutrack-api/internal/middleware"
	"github.com/noah-isme/edutrack-api/internal/repository"
	"github.com/noah-isme/edutrack-api/internal/service"
	"github.com/noah-isme/edutrack-api/pkg/cache"
	"github.com/noah-isme/edutrack-api/pkg/config"
	"github.com/noah-isme/edutrack-api/pkg/database"
	"github.com/noah-isme/edutrack-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/edutrack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/edutrack-api/pkg/middleware/requestid"
	"github.com/noah-isme/edutrack-api/pkg/security"
)

const (
	cacheKeyPrefix  = "edutrack:"
	shutdownTimeout = 10 * time.Second
)

// @title EduTrack API
// @version 1.0.0
// @description Course catalog and enrollment service
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logr.Info("database schema applied")
	}

	credentials, err := security.NewCredentials(security.Config{
		Secret:    cfg.JWT.Secret,
		Issuer:    cfg.JWT.Issuer,
		AccessTTL: cfg.JWT.Expiration,
	})
	if err != nil {
		return fmt.Errorf("init credentials: %w", err)
	}

	metrics := service.NewMetricsService()
	var courseCache *service.CacheService
	if cfg.CourseCache.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("course cache disabled: redis unavailable", zap.Error(err))
		} else {
			defer client.Close()
			courseCache = service.NewCacheService(repository.NewCacheRepository(client, cacheKeyPrefix), metrics, cfg.CourseCache.TTL, logr, true)
		}
	}

	validate := validator.New()
	guard := service.NewGuard()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	auditSvc := service.NewAuditService(auditRepo, guard, logr)
	authSvc := service.NewAuthService(userRepo, credentials, auditSvc, validate, logr, service.AuthConfig{
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
	})
	userSvc := service.NewUserService(userRepo, credentials, guard, auditSvc, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, guard, courseCache, cfg.CourseCache.TTL, auditSvc, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(repository.NewTxManager(db), enrollmentRepo, courseRepo, userRepo, guard, auditSvc, metrics, validate, logr)
	rosterSvc := service.NewRosterService(enrollmentRepo, courseRepo, guard, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))
	r.Use(internalmiddleware.WithResponseMeta())

	paging := handler.Paging{DefaultLimit: cfg.Pagination.DefaultLimit, MaxLimit: cfg.Pagination.MaxLimit}
	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Routes{
		Auth:          authSvc,
		Guard:         guard,
		AuthHandler:   handler.NewAuthHandler(authSvc),
		Users:         handler.NewUserHandler(userSvc, paging),
		Courses:       handler.NewCourseHandler(courseSvc, rosterSvc, paging),
		Enrollments:   handler.NewEnrollmentHandler(enrollmentSvc, paging),
		Audit:         handler.NewAuditHandler(auditSvc),
		Observability: handler.NewMetricsHandler(metrics, db),
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
