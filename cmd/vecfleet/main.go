package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/config"
	fleetapi "github.com/vecfleet/vecfleet/internal/fleet/api"
	"github.com/vecfleet/vecfleet/internal/fleet/database"
	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/fleet/service"
	"github.com/vecfleet/vecfleet/internal/gitstore"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
)

func main() {
	log.Info().Msg("Starting vecfleet control plane")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	store, err := gitstore.New(gitstore.Options{
		Path:          cfg.Store.Path,
		AuthorName:    cfg.Store.AuthorName,
		AuthorEmail:   cfg.Store.AuthorEmail,
		RemoteTimeout: parseDuration(cfg.Store.RemoteTimeout, 60*time.Second),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open config store")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, health mirror disabled")
			rdb = nil
		}
	}

	monitor := healthmonitor.New(healthmonitor.Options{
		Interval:         parseDuration(cfg.Health.Interval, 30*time.Second),
		Timeout:          parseDuration(cfg.Health.Timeout, 5*time.Second),
		MaxConcurrent:    cfg.Health.MaxConcurrent,
		FailureThreshold: cfg.Health.FailureThreshold,
	}, healthmonitor.Deps{
		Agents: agentLister{db},
		Sink:   db,
		Redis:  rdb,
	})
	if err := monitor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start health monitor")
	}
	defer monitor.Stop()

	go pruneHealthChecks(ctx, db, cfg.Health.RetainChecks)

	svc := service.New(db, store, monitor, rdb, service.Options{
		EngineBinary:    cfg.Engine.BinaryPath,
		ValidateTimeout: parseDuration(cfg.Engine.ValidateTimeout, 30*time.Second),
		ProbeTimeout:    parseDuration(cfg.Health.Timeout, 5*time.Second),
		BatchDelay:      parseDuration(cfg.Deploy.BatchDelay, 30*time.Second),
		CanaryWait:      parseDuration(cfg.Deploy.CanaryWait, 300*time.Second),
		PushTimeout:     parseDuration(cfg.Deploy.PushTimeout, 30*time.Second),
		MaxFailures:     cfg.Deploy.MaxFailures,
	})

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if _, err := fleetapi.NewApi(svc, store, monitor, router); err != nil {
		log.Fatal().Err(err).Msg("bind fleet api failed.")
	}

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start vecfleet api server failed.")
	}
	log.Info().Msg("vecfleet api server exit...")
}

// agentLister adapts the agent repository to the monitor's source
// interface, hiding the group filter argument.
type agentLister struct {
	db *database.Database
}

func (l agentLister) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return l.db.ListAgents(ctx, "")
}

// pruneHealthChecks trims the per-agent audit trail once an hour so the
// health_checks table does not grow without bound.
func pruneHealthChecks(ctx context.Context, db *database.Database, keep int) {
	if keep <= 0 {
		keep = 1000
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := db.PruneHealthChecks(ctx, keep)
			if err != nil {
				log.Warn().Err(err).Msg("prune health checks failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int64("removed", removed).Msg("pruned health checks")
			}
		}
	}
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
