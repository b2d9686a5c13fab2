// Package main is the entry point for the signal dispatch and execution
// engine: it ingests copy-trading webhook signals, fans them out to eligible
// subscribers, places and supervises exchange orders, and manages post-entry
// risk (brackets, trailing stop, DCA, daily-loss guardrails).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/signalmirror/internal/config"
	"github.com/aristath/signalmirror/internal/di"
	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/queue"
	"github.com/aristath/signalmirror/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting signal dispatch and execution engine")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("error closing container")
		}
	}()

	registerJobHandlers(container, cfg)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	container.Queue.Start(runCtx)
	log.Info().Int("workers", cfg.WorkerConcurrency).Msg("job queue workers started")

	if container.PriceStream != nil {
		container.PriceStream.Start()
		log.Info().Str("url", cfg.MarkPriceStreamURL).Msg("mark price stream started")
	}

	if err := scheduleRecurringJobs(container, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule recurring jobs")
	}
	container.Cron.Start()

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("http server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	container.Cron.Stop()
	container.Queue.Stop()
	if container.PriceStream != nil {
		if err := container.PriceStream.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping mark price stream")
		}
	}
	cancelRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("shutdown complete")
}

// registerJobHandlers binds every queue.JobType to the container component
// that performs it.
func registerJobHandlers(c *di.Container, cfg *config.Config) {
	c.Queue.RegisterHandler(queue.JobTypeExecuteSignal, executeSignalHandler(c, cfg))
	c.Queue.RegisterHandler(queue.JobTypeSupervisePositions, supervisePositionsHandler(c))
	c.Queue.RegisterHandler(queue.JobTypeRecordBalanceSnapshot, recordBalanceSnapshotHandler(c))
	c.Queue.RegisterHandler(queue.JobTypeDailyMaintenance, dailyMaintenanceHandler(c))
	c.Queue.RegisterHandler(queue.JobTypeR2Backup, r2BackupHandler(c))
}

// scheduleRecurringJobs wires the cron entries for the engine's periodic
// background work. Signal execution is never scheduled here: it is
// triggered directly from webhook intake.
func scheduleRecurringJobs(c *di.Container, cfg *config.Config) error {
	tickSeconds := int(cfg.SupervisorTick.Seconds())
	if tickSeconds < 1 {
		tickSeconds = 5
	}
	if err := c.Cron.AddJob(fmt.Sprintf("*/%d * * * * *", tickSeconds), queue.JobTypeSupervisePositions, queue.PriorityHigh, nil); err != nil {
		return err
	}
	if err := c.Cron.AddJob("0 */5 * * * *", queue.JobTypeRecordBalanceSnapshot, queue.PriorityMedium, nil); err != nil {
		return err
	}
	if err := c.Cron.AddJob("0 0 3 * * *", queue.JobTypeDailyMaintenance, queue.PriorityLow, nil); err != nil {
		return err
	}
	if c.Backup != nil {
		if err := c.Cron.AddJob("0 30 3 * * *", queue.JobTypeR2Backup, queue.PriorityLow, nil); err != nil {
			return err
		}
	}
	return nil
}

// executeSignalHandler loads the signal named in the job payload, resolves
// its eligible subscribers, and runs one execution attempt per subscriber,
// bounded by cfg.SignalConcurrencyCap so one noisy signal never starves the
// worker pool.
func executeSignalHandler(c *di.Container, cfg *config.Config) queue.HandlerFunc {
	concurrencyCap := cfg.SignalConcurrencyCap
	if concurrencyCap < 1 {
		concurrencyCap = 1
	}
	return func(ctx context.Context, job *queue.Job) error {
		signalID, _ := job.Payload["signal_id"].(string)
		if signalID == "" {
			return fmt.Errorf("execute_signal job missing signal_id")
		}

		sig, err := c.Signals.Get(ctx, signalID)
		if err != nil {
			return fmt.Errorf("failed to load signal %s: %w", signalID, err)
		}

		eligibles, err := c.Resolver.Resolve(ctx, *sig)
		if err != nil {
			return fmt.Errorf("failed to resolve eligible subscribers: %w", err)
		}
		if err := c.Signals.SetStatus(ctx, signalID, domain.SignalDispatched); err != nil {
			return fmt.Errorf("failed to mark signal dispatched: %w", err)
		}

		sem := make(chan struct{}, concurrencyCap)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error

		for _, elig := range eligibles {
			elig := elig
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := c.Engine.Run(ctx, *sig, elig); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if firstErr != nil {
			return firstErr
		}
		return c.Signals.SetStatus(ctx, signalID, domain.SignalTerminal)
	}
}

func supervisePositionsHandler(c *di.Container) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		return c.Supervisor.Tick(ctx)
	}
}

// recordBalanceSnapshotHandler fetches and records current equity for every
// approved (subscriber, exchange) credential, the baseline the guardrail
// evaluation compares today's equity against.
func recordBalanceSnapshotHandler(c *di.Container) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		subs, err := c.Subscribers.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to list active subscribers: %w", err)
		}

		var firstErr error
		for _, sub := range subs {
			exchangeIDs, err := c.Subscribers.ApprovedExchanges(ctx, sub.ID)
			if err != nil || len(exchangeIDs) == 0 {
				continue
			}
			for _, exchangeID := range exchangeIDs {
				adapter, err := c.Exchanges.Get(ctx, sub.ID, exchangeID)
				if err != nil {
					continue
				}
				if err := c.RateLimiter.Wait(ctx, exchangeID, sub.ID); err != nil {
					continue
				}
				balance, err := adapter.GetBalance(ctx)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if err := c.Balances.Record(ctx, domain.BalanceSnapshot{
					SubscriberID: sub.ID,
					ExchangeID:   exchangeID,
					Instant:      time.Now(),
					Equity:       balance.Equity,
					Available:    balance.Available,
				}); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}

// dailyMaintenanceHandler checkpoints the WAL file and runs an integrity
// check, keeping the single SQLite store healthy between restarts.
func dailyMaintenanceHandler(c *di.Container) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		if err := c.DB.WALCheckpoint("TRUNCATE"); err != nil {
			return fmt.Errorf("wal checkpoint failed: %w", err)
		}
		return c.DB.HealthCheck(ctx)
	}
}

// r2BackupHandler uploads an encrypted snapshot of the database and prunes
// old backups beyond the retention window. A no-op when R2 backup is
// unconfigured (job is never scheduled in that case, but defends anyway).
func r2BackupHandler(c *di.Container) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		if c.Backup == nil {
			return nil
		}
		if err := c.Backup.CreateAndUpload(ctx); err != nil {
			return fmt.Errorf("backup upload failed: %w", err)
		}
		return c.Backup.RotateOldBackups(ctx, 30)
	}
}
