// Package app assembles the stores and services shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"dictation-optimizer/internal/candidates"
	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/corrections"
	"dictation-optimizer/internal/export"
	"dictation-optimizer/internal/history"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/optimize"
	"dictation-optimizer/internal/queue"
	"dictation-optimizer/internal/retention"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/versions"
	"dictation-optimizer/internal/worker"
)

// App holds every component built from one Config.
type App struct {
	Config      config.Config
	Jobs        *store.Store
	Candidates  *candidates.Store
	Versions    *versions.Manager
	History     *history.Log
	Corrections *corrections.Store
	Queue       *queue.MemoryQueue
	Service     *optimize.Service
	Processor   *worker.Processor
	Sweeper     *retention.Sweeper

	audit *store.PostgresAudit
}

// Open creates the data directories and wires the components. Close releases the audit pool.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	var err error
	if a.Jobs, err = store.New(cfg.JobsDir()); err != nil {
		return nil, err
	}
	if a.Candidates, err = candidates.NewStore(cfg.CandidatesDir(), candidates.WithTTL(cfg.CandidateTTL)); err != nil {
		return nil, err
	}
	if a.Versions, err = versions.NewManager(cfg.PromptsDir()); err != nil {
		return nil, err
	}
	if a.Corrections, err = corrections.NewStore(cfg.CorrectionsDir()); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ScratchDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	a.History = history.NewLog(cfg.HistoryPath(), cfg.HistoryCap)

	client, err := optimize.NewClient(cfg.OptimizerURL, cfg.OptimizerTimeout)
	if err != nil {
		return nil, err
	}

	var auditor store.Auditor = store.LogAudit{}
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresAudit(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.audit = pg
		auditor = pg
	}

	svcOpts := []optimize.ServiceOption{
		optimize.WithAuditor(auditor),
		optimize.WithBaselines(cfg.Agents),
		optimize.WithDefaultIterations(cfg.DefaultIterations),
		optimize.WithThreshold(cfg.ImprovementThreshold),
	}
	if export.Configured(cfg) {
		exp, err := export.New(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		svcOpts = append(svcOpts, optimize.WithExporter(exp))
	}
	a.Service = optimize.NewService(client, client, a.Candidates, a.Versions, a.History, svcOpts...)

	a.Queue = queue.NewMemoryQueue()
	a.Processor = worker.NewProcessor(cfg, a.Queue, a.Jobs)
	a.Processor.SetAuditor(auditor)
	a.Processor.RegisterHandler(models.JobTypeOvernight, worker.NewOvernightHandler(a.Service, a.Corrections, cfg.DefaultIterations))

	sweepOpts := []retention.Option{}
	if a.audit != nil {
		sweepOpts = append(sweepOpts, retention.WithAuditPurger(a.audit))
	}
	a.Sweeper = retention.NewSweeper(retention.Deps{
		Jobs:        a.Jobs,
		Candidates:  a.Candidates,
		Versions:    a.Versions,
		History:     a.History,
		Corrections: a.Corrections,
		ScratchDir:  cfg.ScratchDir(),
	}, retention.Options{
		MaxAgeDays:        cfg.CleanupMaxAgeDays,
		KeepRecentBackups: cfg.CleanupKeepBackups,
	}, cfg.CleanupInterval, sweepOpts...)

	log.Printf("app: data_dir=%s optimizer=%s audit=%t export=%t", cfg.DataDir, cfg.OptimizerURL, a.audit != nil, export.Configured(cfg))
	return a, nil
}

// Audit returns the Postgres audit mirror, or nil when POSTGRES_DSN is unset.
func (a *App) Audit() *store.PostgresAudit {
	return a.audit
}

// Close releases external connections.
func (a *App) Close() {
	if a.audit != nil {
		a.audit.Close()
	}
}
