// Package httpserver exposes the ledger over an authenticated JSON API.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/starfall-labs/dust-ledger/internal/metrics"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"go.uber.org/zap"
)

// Run boots the HTTP surface and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service *dust.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	validator := &tokenValidator{
		signingKey: []byte(cfg.TokenSigningKey),
		issuer:     cfg.TokenIssuer,
	}
	router := setupRouter(cfg, handler, validator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dust ledger listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *tokenValidator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	authenticated := router.Group("/")
	authenticated.Use(validator.ginMiddleware())

	authenticated.GET("/balance/:user_id", handler.handleBalance)
	authenticated.GET("/transactions/:user_id", handler.handleListTransactions)
	authenticated.POST("/transactions/consume", handler.handleConsume)
	authenticated.POST("/transactions/purchase/in-app", handler.handleInAppPurchase)

	grants := authenticated.Group("/grants")
	grants.POST("/app-initial", handler.handleAppInitialGrant)
	grants.POST("/daily-bonus", handler.handleDailyBonus)
	grants.POST("/referral-reward", requireAdmin(), handler.handleReferralReward)
	grants.POST("/promotional", requireAdmin(), handler.handlePromotionalGrant)

	admin := authenticated.Group("/", requireAdmin())
	admin.POST("/transactions/purchase", handler.handlePurchase)
	admin.POST("/admin/grant", handler.handleAdminGrant)
	admin.POST("/admin/refund", handler.handleAdminRefund)
	admin.POST("/admin/bulk-grant", handler.handleBulkGrant)
	admin.POST("/admin/adjust-balance", handler.handleAdjustBalance)

	return router
}
