package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eastrift/fleet-dispatch/internal/dispatch"
	"github.com/eastrift/fleet-dispatch/internal/eta"
	"github.com/eastrift/fleet-dispatch/internal/hotzone"
	"github.com/eastrift/fleet-dispatch/internal/predictor"
	"github.com/eastrift/fleet-dispatch/internal/presence"
	"github.com/eastrift/fleet-dispatch/pkg/clock"
	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/config"
	"github.com/eastrift/fleet-dispatch/pkg/database"
	apperrors "github.com/eastrift/fleet-dispatch/pkg/errors"
	"github.com/eastrift/fleet-dispatch/pkg/eventbus"
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/eastrift/fleet-dispatch/pkg/middleware"
	"github.com/eastrift/fleet-dispatch/pkg/models"
	redisclient "github.com/eastrift/fleet-dispatch/pkg/redis"
	"github.com/eastrift/fleet-dispatch/pkg/tracing"
	"github.com/eastrift/fleet-dispatch/pkg/websocket"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
	exitServe   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("dispatch")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		return exitConfig
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		return exitConfig
	}
	defer logger.Sync()

	common.RegisterValidators()

	if err := apperrors.InitSentry(apperrors.DefaultSentryConfig()); err != nil {
		if errors.Is(err, apperrors.ErrNoDSN) {
			logger.Warn("sentry disabled, no DSN configured")
		} else {
			logger.Error("sentry init failed", zap.Error(err))
		}
	} else {
		defer apperrors.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Server.ServiceName,
		ServiceVersion: os.Getenv("SERVICE_VERSION"),
		Environment:    cfg.Server.Environment,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     0.1,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
	}, logger.Get()); err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Error("postgres connect failed", zap.Error(err))
		return exitStorage
	}
	defer db.Close()

	rdb, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Error("redis connect failed", zap.Error(err))
		return exitStorage
	}
	defer rdb.Close()

	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.Connect(cfg.NATS.URL, cfg.Server.ServiceName)
		if err != nil {
			logger.Warn("event bus unavailable, running without it", zap.Error(err))
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	clk := clock.NewReal()
	hub := websocket.NewHub()

	batcher := presence.NewBatcher(presence.NewRepository(db), cfg.Dispatch.BatchInterval)
	defer batcher.Stop()
	registry := presence.NewRegistry(clk, cfg.Dispatch.PresenceFreshness, rdb, batcher)

	zones := hotzone.NewEngine(clk, hotzone.NewRepository(db), bus)
	if err := zones.Reload(ctx); err != nil {
		logger.Error("zone load failed", zap.Error(err))
		return exitStorage
	}
	go zones.Run(ctx, time.Minute)

	var provider *eta.Provider
	if cfg.Routing.Enabled {
		provider = eta.NewProvider(cfg.Routing.BaseURL, time.Duration(cfg.Routing.TimeoutSeconds)*time.Second)
	}
	etaSvc := eta.NewService(rdb, provider, clk,
		cfg.Dispatch.EtaCacheTTL, cfg.Dispatch.EtaQuantization, cfg.Routing.AvgSpeedKmh)

	predRepo := predictor.NewRepository(db)
	pred := predictor.New(predRepo, cfg.Dispatch.PredictorPrior, cfg.Dispatch.EarningsPenalty)
	recomputer := predictor.NewRecomputer(predRepo, 30*24*time.Hour)
	go runRecompute(ctx, clk, recomputer)

	notifier := dispatch.NewHubNotifier(hub)
	orch := dispatch.NewOrchestrator(cfg.Dispatch, clk, dispatch.NewRepository(db),
		registry, zones, etaSvc, pred, notifier, bus)
	registry.SetBroadcaster(notifier)

	go orch.RunSweeper(ctx)
	go orch.Flusher().Run(ctx, 15*time.Second)
	go announceNearby(ctx, registry)

	wireHub(hub, registry, orch)

	router := buildRouter(cfg, hub, orch)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Get().Info("dispatch service listening", zap.String("port", cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			return exitServe
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown not clean", zap.Error(err))
	}
	return exitOK
}

// wireHub binds inbound socket events and disconnects to the presence
// registry and the orchestrator.
func wireHub(hub *websocket.Hub, registry *presence.Registry, orch *dispatch.Orchestrator) {
	hub.RegisterHandler("driver:online", func(c *websocket.Client, _ *websocket.Event) {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return
		}
		registry.SetOnline(context.Background(), id)
	})

	hub.RegisterHandler("driver:status", func(c *websocket.Client, ev *websocket.Event) {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return
		}
		status, _ := ev.Data["status"].(string)
		if err := registry.SetStatus(context.Background(), id, models.DriverAvailability(status)); err != nil {
			hub.Deliver(websocket.RoleDriver, c.ID, websocket.NewEvent("driver:status:rejected", map[string]interface{}{
				"status": status,
				"reason": err.Error(),
			}))
		}
	})

	hub.RegisterHandler("driver:location", func(c *websocket.Client, ev *websocket.Event) {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return
		}
		lat, okLat := toFloat(ev.Data["lat"])
		lng, okLng := toFloat(ev.Data["lng"])
		if !okLat || !okLng {
			return
		}
		speed, _ := toFloat(ev.Data["speed"])
		bearing, _ := toFloat(ev.Data["bearing"])
		ctx := context.Background()
		registry.UpdateLocation(ctx, id, lat, lng, speed, bearing)
		orch.StreamDriverLocation(ctx, id, lat, lng)
	})

	hub.RegisterHandler("passenger:online", func(c *websocket.Client, _ *websocket.Event) {
		hub.Deliver(websocket.RolePassenger, c.ID, websocket.NewEvent("connected", map[string]interface{}{"id": c.ID}))
	})

	hub.OnDisconnect(func(role websocket.Role, rawID string) {
		if role != websocket.RoleDriver {
			return
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return
		}
		registry.OnDisconnect(context.Background(), id)
		orch.HandleDriverDisconnect(id)
	})
}

func buildRouter(cfg *config.Config, hub *websocket.Hub, orch *dispatch.Orchestrator) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(), middleware.Metrics())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"drivers":    hub.SessionCount(websocket.RoleDriver),
			"passengers": hub.SessionCount(websocket.RolePassenger),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/api/v1", middleware.AuthMiddleware(cfg.JWT.Secret))
	dispatch.NewHandler(orch).RegisterRoutes(authed)
	router.GET("/ws", middleware.AuthMiddleware(cfg.JWT.Secret), websocket.ServeWS(hub))

	return router
}

// toFloat pulls a numeric field out of decoded JSON, which always
// arrives as float64, while tolerating string-encoded numbers from
// older app builds.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// runRecompute rebuilds driver rejection patterns hourly.
func runRecompute(ctx context.Context, clk clock.Clock, rc *predictor.Recomputer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(time.Hour):
		}
		n, err := rc.RecomputePatterns(ctx, clk.Now())
		if err != nil {
			logger.Warn("pattern recompute failed", zap.Error(err))
			continue
		}
		logger.Get().Info("patterns recomputed", zap.Int("drivers", n))
	}
}

// announceNearby pushes the visible-driver snapshot to passengers on a
// short cadence so map pins stay live between rides.
func announceNearby(ctx context.Context, registry *presence.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.AnnounceNearby()
		}
	}
}
