package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/kora/internal/authorization"
	"github.com/smallbiznis/kora/internal/config"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	"github.com/smallbiznis/kora/internal/observability"
	obsmiddleware "github.com/smallbiznis/kora/internal/observability/logger"
	obstracing "github.com/smallbiznis/kora/internal/observability/tracing"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
	ratepolicydomain "github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg.Debug())
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	log           *zap.Logger
	authzSvc      authorization.Service
	ledgerSvc     ledgerdomain.Service
	ratePolicySvc ratepolicydomain.Service
	promotionSvc  promotiondomain.Service
}

type ServerParams struct {
	fx.In

	Engine        *gin.Engine
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	LedgerSvc     ledgerdomain.Service
	RatePolicySvc ratepolicydomain.Service
	PromotionSvc  promotiondomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Engine,
		log:           p.Log.Named("http.server"),
		authzSvc:      p.AuthzSvc,
		ledgerSvc:     p.LedgerSvc,
		ratePolicySvc: p.RatePolicySvc,
		promotionSvc:  p.PromotionSvc,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1", s.ActorFromHeaders())

	wallet := v1.Group("/wallet")
	{
		wallet.GET("", s.authorize(authorization.ObjectWallet, authorization.ActionWalletView), s.GetWallet)
		wallet.GET("/transactions", s.authorize(authorization.ObjectWallet, authorization.ActionWalletView), s.ListTransactions)
		wallet.POST("/transfers", s.authorize(authorization.ObjectWallet, authorization.ActionWalletTransfer), s.TransferCredits)
	}

	v1.POST("/activities/:activity/earn", s.authorize(authorization.ObjectActivity, authorization.ActionActivityEarn), s.EarnForActivity)

	promotions := v1.Group("/promotions")
	{
		promotions.POST("", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionCreate), s.CreatePromotion)
		promotions.GET("/:id", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionView), s.GetPromotion)
		promotions.GET("/:id/eligibility", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionView), s.GetEligibility)
		promotions.GET("/:id/participants", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionView), s.ListParticipants)
		promotions.POST("/:id/participants", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionJoin), s.Participate)
		promotions.POST("/:id/participants/:user_id/verify", s.authorize(authorization.ObjectParticipant, authorization.ActionParticipantVerify), s.VerifyParticipant)
		promotions.POST("/:id/complete", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionFinalize), s.CompletePromotion)
		promotions.POST("/:id/cancel", s.authorize(authorization.ObjectPromotion, authorization.ActionPromotionFinalize), s.CancelPromotion)
	}

	policies := v1.Group("/rate-policies")
	{
		policies.GET("", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyView), s.ListRatePolicies)
		policies.GET("/:activity", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyView), s.GetRatePolicy)
		policies.PUT("/:activity", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyManage), s.UpsertRatePolicy)
		policies.PUT("/:activity/limits", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyManage), s.UpdateRatePolicyLimits)
		policies.POST("/:activity/activate", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyManage), s.ActivateRatePolicy)
		policies.POST("/:activity/deactivate", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyManage), s.DeactivateRatePolicy)
		policies.POST("/:activity/rate", s.authorize(authorization.ObjectRatePolicy, authorization.ActionRatePolicyManage), s.UpdateRatePolicyRate)
	}
}
