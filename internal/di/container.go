// Package di wires every collaborator of the signal dispatch and execution
// engine by explicit constructor injection — no globals, no service locator.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/config"
	"github.com/aristath/signalmirror/internal/database"
	"github.com/aristath/signalmirror/internal/events"
	"github.com/aristath/signalmirror/internal/modules/balances"
	"github.com/aristath/signalmirror/internal/modules/credentials"
	"github.com/aristath/signalmirror/internal/modules/exchange"
	"github.com/aristath/signalmirror/internal/modules/execution"
	"github.com/aristath/signalmirror/internal/modules/marketdata"
	"github.com/aristath/signalmirror/internal/modules/notifications"
	"github.com/aristath/signalmirror/internal/modules/positions"
	"github.com/aristath/signalmirror/internal/modules/ratelimiter"
	"github.com/aristath/signalmirror/internal/modules/signals"
	"github.com/aristath/signalmirror/internal/modules/subscribers"
	"github.com/aristath/signalmirror/internal/modules/supervisor"
	"github.com/aristath/signalmirror/internal/queue"
	"github.com/aristath/signalmirror/internal/reliability"
	"github.com/aristath/signalmirror/internal/server"
)

// Container holds every wired collaborator the engine needs for the
// lifetime of the process.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *database.DB

	Events *events.Manager
	Queue  *queue.Manager
	Cron   *queue.Scheduler

	Subscribers     *subscribers.Repo
	SubscriberDefault subscribers.GlobalDefaults
	Resolver        *subscribers.Resolver

	Positions *positions.Repo
	Balances  *balances.Repo
	Signals   *signals.Repo
	Intake    *signals.Intake

	Credentials *credentials.Store
	RateLimiter *ratelimiter.Registry
	Exchanges   *exchange.Factory

	Attempts *execution.Repo
	Engine   *execution.Engine

	Supervisor  *supervisor.Supervisor
	PriceStream *marketdata.PriceStream

	AuditLog *notifications.Repo
	FanOut   *notifications.FanOut

	Backup *reliability.R2BackupService

	Server *server.Server
}

// Wire builds the full Container from cfg. Every collaborator is created in
// dependency order: storage, then domain repositories, then the services
// built on top of them, then the process entry points (queue, server).
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DataDir + "/signalmirror.db",
		Profile: database.ProfileLedger,
		Name:    "signalmirror",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Bootstrap(); err != nil {
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	em := events.NewManager(log)
	q := queue.NewManager(db.Conn(), em, log, cfg.WorkerConcurrency)
	cronSched := queue.NewScheduler(q, log)

	subscribersRepo := subscribers.NewRepo(db.Conn())
	positionsRepo := positions.NewRepo(db.Conn())
	balancesRepo := balances.NewRepo(db.Conn())
	signalsRepo := signals.NewRepo(db.Conn())

	credentialStore := credentials.New(db.Conn(), cfg.MasterEncryptionKey, log)
	perExchangeLimits := make(map[string]ratelimiter.Limit, len(cfg.RateLimitByExchange))
	for exchangeID, l := range cfg.RateLimitByExchange {
		perExchangeLimits[exchangeID] = ratelimiter.Limit{RatePerSecond: l.RatePerSecond, Burst: l.Burst}
	}
	limiter := ratelimiter.NewRegistry(
		ratelimiter.Limit{RatePerSecond: cfg.RateLimitDefault.RatePerSecond, Burst: cfg.RateLimitDefault.Burst},
		perExchangeLimits,
	)
	exchangeFactory := exchange.NewFactory(credentialStore, cfg.BinanceUseTestnet)

	defaults := subscribers.GlobalDefaults{
		RiskPerc: 0.01,
		Leverage: 5,
		TPPerc:   0.03,
		SLPerc:   0.015,
	}
	resolver := subscribers.NewResolver(subscribersRepo, positionsRepo, defaults)

	intake := signals.NewIntake(signalsRepo, q, cfg.WebhookPassphrase, log)

	attemptsRepo := execution.NewRepo(db.Conn())
	engine := execution.NewEngine(attemptsRepo, positionsRepo, exchangeFactory, limiter, em, log)

	var priceStream *marketdata.PriceStream
	pos := supervisor.NewSupervisor(positionsRepo, subscribersRepo, balancesRepo, exchangeFactory, limiter, em, log)
	if cfg.MarkPriceStreamURL != "" {
		priceStream = marketdata.NewPriceStream(cfg.MarkPriceStreamURL, em, log)
		pos = pos.WithPriceCache(priceStream)
	}

	auditRepo := notifications.NewRepo(db.Conn())
	var sinks []notifications.Sink
	fanOut := notifications.NewFanOut(auditRepo, sinks, log, 4, 512)
	fanOut.Attach(em)

	var backupSvc *reliability.R2BackupService
	if cfg.R2Backup != nil {
		backupSvc, err = reliability.NewR2BackupService(reliability.R2BackupConfig{
			Bucket:          cfg.R2Backup.Bucket,
			Endpoint:        cfg.R2Backup.Endpoint,
			AccessKeyID:     cfg.R2Backup.AccessKeyID,
			SecretAccessKey: cfg.R2Backup.SecretAccessKey,
			Region:          cfg.R2Backup.Region,
		}, db.Path(), cfg.MasterEncryptionKey, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build r2 backup service: %w", err)
		}
	}

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Intake:  intake,
		Queue:   q,
	})

	return &Container{
		Config:            cfg,
		Log:               log,
		DB:                db,
		Events:            em,
		Queue:             q,
		Cron:              cronSched,
		Subscribers:       subscribersRepo,
		SubscriberDefault: defaults,
		Resolver:          resolver,
		Positions:         positionsRepo,
		Balances:          balancesRepo,
		Signals:           signalsRepo,
		Intake:            intake,
		Credentials:       credentialStore,
		RateLimiter:       limiter,
		Exchanges:         exchangeFactory,
		Attempts:          attemptsRepo,
		Engine:            engine,
		Supervisor:        pos,
		PriceStream:       priceStream,
		AuditLog:          auditRepo,
		FanOut:            fanOut,
		Backup:            backupSvc,
		Server:            srv,
	}, nil
}

// Close releases every resource the container holds open.
func (c *Container) Close() error {
	c.FanOut.Stop()
	return c.DB.Close()
}
