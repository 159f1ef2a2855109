// Command commons-sweeper expires overdue requests on a cron schedule. It
// runs the same request type tables as the HTTP service so expiry side
// effects (archiving invitations, closing membership requests) stay in one
// place.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/audit"
	"github.com/depotlab/commons/pkg/cache"
	"github.com/depotlab/commons/pkg/communities"
	"github.com/depotlab/commons/pkg/config"
	"github.com/depotlab/commons/pkg/members"
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

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to postgres")
		os.Exit(1)
	}

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	roleRegistry := roles.Default()
	if cfg.Roles.FilePath != "" {
		roleRegistry, err = roles.LoadFile(cfg.Roles.FilePath)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.Roles.FilePath).Error("Failed to load role definitions")
			os.Exit(1)
		}
	}

	// The sweeper acts as the system identity only; the identity cache is
	// kept L1-only and redis is left alone.
	identityCache := cache.NewIdentityCache(nil, cfg.Cache.L1Size, cfg.Cache.TTL, logger, metrics)

	communityStore := communities.NewStore(db)
	memberStore := members.NewStore(db)
	requestStore := requests.NewStore(db)

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
		vocabulary.NewStore(db), index, logger, metrics)
	memberService := members.NewService(db, memberStore, communityStore, policy,
		roleRegistry, requestService, identityCache, index, dispatcher, logger, metrics)

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

	requestService.SetAuditLog(audit.NewTrail(db))

	sweep := func() {
		ctx := context.Background()
		expired, err := requestService.ExpireDue(ctx, cfg.Requests.SweeperBatchSize)
		if err != nil {
			logger.WithError(err).Error("Sweep failed")
			return
		}
		if expired > 0 {
			logger.WithField("expired", expired).Info("Swept expired requests")
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Requests.SweeperSchedule, sweep); err != nil {
		logger.WithError(err).WithField("schedule", cfg.Requests.SweeperSchedule).Error("Invalid sweeper schedule")
		os.Exit(1)
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthEndpoints(healthMux, observability.NewHealthChecker(db, nil))
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

	logger.WithField("schedule", cfg.Requests.SweeperSchedule).Info("Starting request sweeper")
	sweep()
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, nil, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		dispatcher.Shutdown(cfg.Server.ShutdownTimeout)
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}
