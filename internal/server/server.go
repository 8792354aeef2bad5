// Package server assembles the HTTP server: router, middleware chain and
// route registration for the authentication API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/api"
	"github.com/veridianlabs/identity-backend/internal/service"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
	"github.com/veridianlabs/identity-backend/pkg/middleware"
)

// Server manages the HTTP server lifecycle
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	services *service.Services
	store    storage.Store

	httpServer *http.Server
	router     *gin.Engine
}

// New creates a new Server
func New(cfg *config.Config, store storage.Store, services *service.Services, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		services: services,
		store:    store,
	}

	s.router = s.buildRouter()
	s.registerRoutes(s.router)

	return s
}

// Router returns the assembled router, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving. It returns once the listener is up; serve errors
// are logged.
func (s *Server) Start() {
	addr := s.cfg.Server.Address()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("address", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(s.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowedOrigins,
		AllowMethods:     s.cfg.CORS.AllowedMethods,
		AllowHeaders:     s.cfg.CORS.AllowedHeaders,
		ExposeHeaders:    s.cfg.CORS.ExposedHeaders,
		AllowCredentials: s.cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.cfg.CORS.MaxAge) * time.Second,
	}))
	return router
}

func (s *Server) registerRoutes(router *gin.Engine) {
	handlers := api.NewHandlers(s.services, s.cfg, s.logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		status := "ok"
		if err := s.store.Ping(c.Request.Context()); err != nil {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": "identity-backend",
		})
	})

	auth := router.Group("/api/auth")
	auth.Use(middleware.Session(s.services.Session, s.cfg.Session.CookieName, s.logger))
	auth.Use(middleware.CSRF(s.services.Session, s.logger))

	auth.GET("/antiforgery", handlers.Antiforgery)

	// First factor and signup
	auth.POST("/login", handlers.Login)
	auth.POST("/register", handlers.Register)
	auth.POST("/confirm-email", handlers.ConfirmEmail)
	auth.POST("/logout", handlers.Logout)

	// Step-up
	auth.POST("/2fa/verify", handlers.VerifyTwoFactor)
	auth.POST("/2fa/send-email-code", handlers.SendTwoFactorEmailCode)

	// Password recovery
	auth.POST("/password/forgot", handlers.ForgotPassword)
	auth.POST("/password/reset", handlers.ResetPassword)

	// Passkey login
	auth.POST("/passkey/request-options", handlers.PasskeyRequestOptions)
	auth.POST("/passkey/authenticate", handlers.PasskeyAuthenticate)

	// Passwordless signup
	auth.POST("/register-passwordless", handlers.RegisterPasswordless)
	auth.POST("/verify-email", handlers.VerifyEmail)
	auth.POST("/resend-verification", handlers.ResendVerification)
	auth.POST("/passkey/setup-creation-options", handlers.PasskeySetupOptions)
	auth.POST("/passkey/setup-register", handlers.PasskeySetupRegister)

	// Email change confirmation arrives from a mailed link; the token is
	// the credential, not the session.
	auth.POST("/email/change-confirm", handlers.ConfirmEmailChange)

	// Signed-in account management
	protected := auth.Group("")
	protected.Use(middleware.RequireAuth())

	protected.GET("/me", handlers.Me)
	protected.POST("/password/change", handlers.ChangePassword)
	protected.POST("/email/change", handlers.ChangeEmail)

	protected.GET("/2fa/enable", handlers.TwoFactorEnrollment)
	protected.POST("/2fa/enable", handlers.EnableTwoFactor)
	protected.POST("/2fa/disable", handlers.DisableTwoFactor)
	protected.POST("/2fa/update-method", handlers.UpdateTwoFactorMethod)

	protected.POST("/passkey/creation-options", handlers.PasskeyCreationOptions)
	protected.POST("/passkey/register", handlers.PasskeyRegister)
	protected.GET("/passkey/list", handlers.PasskeyList)
	protected.POST("/passkey/delete", handlers.PasskeyDelete)
	protected.POST("/passkey/rename", handlers.PasskeyRename)
}
