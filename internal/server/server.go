package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/config"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/observability"
	obslogger "github.com/smallbiznis/keepr/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/keepr/internal/observability/metrics"
	obstracing "github.com/smallbiznis/keepr/internal/observability/tracing"
	posdomain "github.com/smallbiznis/keepr/internal/pos/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	"github.com/smallbiznis/keepr/internal/ratelimit"
	reservationdomain "github.com/smallbiznis/keepr/internal/reservation/domain"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

type EngineConfig struct {
	Debug       bool
	HTTPMetrics *obsmetrics.HTTPMetrics
}

func NewEngine(cfg EngineConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           cfg.Debug,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(cfg.HTTPMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(EngineConfig{Debug: obsCfg.Debug(), HTTPMetrics: httpMetrics})
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Named("http.server").Info("http server listening", zap.String("addr", addr))
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
	engine         *gin.Engine
	db             *gorm.DB
	log            *zap.Logger
	inventorySvc   inventorydomain.Service
	availSvc       availabilitydomain.Service
	pricingSvc     pricingdomain.Service
	ledgerSvc      ledgerdomain.Service
	storedValueSvc storedvaluedomain.Service
	posSvc         posdomain.Service
	reservationSvc reservationdomain.Service
	limiter        *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	DB             *gorm.DB `optional:"true"`
	Log            *zap.Logger
	InventorySvc   inventorydomain.Service
	AvailSvc       availabilitydomain.Service
	PricingSvc     pricingdomain.Service
	LedgerSvc      ledgerdomain.Service
	StoredValueSvc storedvaluedomain.Service
	PosSvc         posdomain.Service
	ReservationSvc reservationdomain.Service
	Limiter        *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:         p.Gin,
		db:             p.DB,
		log:            log.Named("http.server"),
		inventorySvc:   p.InventorySvc,
		availSvc:       p.AvailSvc,
		pricingSvc:     p.PricingSvc,
		ledgerSvc:      p.LedgerSvc,
		storedValueSvc: p.StoredValueSvc,
		posSvc:         p.PosSvc,
		reservationSvc: p.ReservationSvc,
		limiter:        p.Limiter,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/ready", s.Ready)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", TenantContext(), s.TenantRateLimit())

	classes := api.Group("/unit-classes")
	{
		classes.POST("", s.CreateUnitClass)
		classes.GET("/:id/free-units", s.ListFreeUnits)
	}

	units := api.Group("/units")
	{
		units.POST("", s.CreateUnit)
		units.GET("", s.ListUnits)
		units.GET("/:id", s.GetUnit)
		units.PATCH("/:id/active", s.SetUnitActive)
		units.GET("/:id/claims", s.GetClaims)
	}

	availability := api.Group("/availability")
	{
		availability.POST("/check", s.CheckAvailability)
		availability.POST("/select", s.SelectBestUnit)
	}

	claims := api.Group("/claims")
	{
		claims.POST("", s.CreateClaim)
		claims.POST("/:id/release", s.ReleaseClaim)
		claims.POST("/:id/extend", s.ExtendHold)
		claims.POST("/:id/convert", s.ConvertHold)
	}

	api.POST("/quotes", s.Quote)

	ledger := api.Group("/ledger")
	{
		ledger.POST("/entries", s.PostLedgerEntry)
		ledger.GET("/:subject_type/:subject_id/entries", s.ListLedgerEntries)
		ledger.GET("/:subject_type/:subject_id/balance", s.LedgerBalance)
	}

	accounts := api.Group("/stored-value/accounts")
	{
		accounts.POST("", s.IssueStoredValue)
		accounts.GET("/:id", s.GetStoredValue)
		accounts.POST("/:id/adjust", s.AdjustStoredValue)
		accounts.POST("/:id/void", s.VoidStoredValue)
	}

	pos := api.Group("/pos/offline-replays")
	{
		pos.POST("", s.ReplayOffline)
		pos.GET("/:id", s.GetOfflineReplay)
		pos.POST("/:id/resolve", s.ResolveOfflineReplay)
	}

	reservations := api.Group("/reservations")
	{
		reservations.POST("", s.CreateReservation)
		reservations.GET("/:id", s.GetReservation)
		reservations.POST("/:id/cancel", s.CancelReservation)
	}
}
