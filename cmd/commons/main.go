// Command commons runs the community membership HTTP service.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/audit"
	"github.com/depotlab/commons/pkg/cache"
	"github.com/depotlab/commons/pkg/communities"
	"github.com/depotlab/commons/pkg/config"
	"github.com/depotlab/commons/pkg/files"
	"github.com/depotlab/commons/pkg/members"
	"github.com/depotlab/commons/pkg/middleware"
	"github.com/depotlab/commons/pkg/notifications"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/roles"
	"github.com/depotlab/commons/pkg/search"
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/vocabulary"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to postgres")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.ConnectRedis(cache.RedisConfig{
			Addr:     cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			PoolSize: cfg.Cache.RedisPoolSize,
		})
		if err != nil {
			// The identity cache degrades to its L1 tier and the rate
			// limiter fails open, so redis being down is not fatal.
			logger.WithError(err).Warn("Redis unavailable, continuing without it")
			redisClient = nil
		}
	}

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	var providers *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		providers, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize OpenTelemetry")
			os.Exit(1)
		}
	}

	roleRegistry := roles.Default()
	if cfg.Roles.FilePath != "" {
		roleRegistry, err = roles.LoadFile(cfg.Roles.FilePath)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.Roles.FilePath).Error("Failed to load role definitions")
			os.Exit(1)
		}
	}

	identityCache := cache.NewIdentityCache(redisClient, cfg.Cache.L1Size, cfg.Cache.TTL, logger, metrics)

	communityStore := communities.NewStore(db)
	memberStore := members.NewStore(db)
	requestStore := requests.NewStore(db)
	vocabStore := vocabulary.NewStore(db)

	resolver := members.NewResolver(memberStore, identityCache)
	policy := access.NewPolicy(roleRegistry, resolver, access.PolicyOptions{
		MembershipRequestsEnabled: cfg.Features.MembershipRequests,
	})

	index := search.NewIndex(db, logger, metrics)

	sender := notifications.LogSender(logger)
	if cfg.Notifications.WebhookURL != "" {
		sender = notifications.NewWebhookSender(cfg.Notifications.WebhookURL, cfg.Notifications.WebhookSecret)
	}
	dispatcher := notifications.NewDispatcher(sender, logger)

	requestService := requests.NewService(db, requestStore, logger, metrics)
	communityService := communities.NewService(db, communityStore, policy, requestStore,
		vocabStore, index, logger, metrics)
	memberService := members.NewService(db, memberStore, communityStore, policy,
		roleRegistry, requestService, identityCache, index, dispatcher, logger, metrics)
	memberService.SetSearcher(index)

	for _, t := range []*requests.Type{
		memberService.InvitationRequestType(cfg.Requests.DefaultTTL),
		memberService.MembershipRequestType(cfg.Requests.DefaultTTL),
		communityService.SubcommunityRequestType(cfg.Requests.DefaultTTL),
	} {
		if err := requestService.Register(t); err != nil {
			logger.WithError(err).Error("Failed to register request type")
			os.Exit(1)
		}
	}

	trail := audit.NewTrail(db)
	communityService.SetAuditLog(trail)
	communityService.SetMemberSeeder(memberService)
	memberService.SetAuditLog(trail)
	requestService.SetAuditLog(trail)

	if cfg.Files.S3Bucket != "" {
		logoStore, err := files.NewLogoStore(ctx, cfg.Files)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize logo storage")
			os.Exit(1)
		}
		communityService.SetLogoStore(logoStore)
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Identity(cfg.Auth))
	router.Use(middleware.AccessLog(logger))
	if redisClient != nil {
		router.Use(middleware.RateLimit(redisClient, logger))
	}
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	communities.NewHandlers(communityService, requestService).RegisterRoutes(router)
	members.NewHandlers(memberService).RegisterRoutes(router)
	requests.NewHandlers(requestService).RegisterRoutes(router)
	audit.NewHandlers(trail).RegisterRoutes(router)

	healthMux := http.NewServeMux()
	observability.RegisterHealthEndpoints(healthMux, observability.NewHealthChecker(db, redisClient))
	if registry != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	var handler http.Handler = router
	if providers != nil {
		handler = otelhttp.NewHandler(router, "commons")
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		dispatcher.Shutdown(cfg.Server.ShutdownTimeout)
		return nil
	})
	if providers != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })

	go func() {
		logger.WithField("addr", server.Addr).Info("Starting commons server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}
