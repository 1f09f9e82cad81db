// Package app assembles a working caseflow instance from a workspace:
// config, sqlite side tables, the durable event log, the bus, the
// source registry and the coordinator.
package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"caseflow/internal/bus"
	"caseflow/internal/config"
	"caseflow/internal/coordinator"
	"caseflow/internal/crm"
	"caseflow/internal/db"
	"caseflow/internal/eventlog"
	"caseflow/internal/migrate"
	"caseflow/internal/notify"
	"caseflow/internal/repo"
	"caseflow/internal/source"
	sourcecrm "caseflow/internal/source/crm"
	"caseflow/internal/source/static"
)

// App is a fully wired caseflow instance.
type App struct {
	Cfg      *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Log      *eventlog.Log
	Bus      *bus.Bus
	Registry *source.Registry
	Coord    *coordinator.Coordinator
}

// Options tweak assembly.
type Options struct {
	// Synchronous makes event delivery run inline with Publish. The CLI
	// uses this so a command returns only after its side effects ran.
	Synchronous bool
}

// Open assembles an App rooted at workspace.
func Open(workspace string, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log, err := eventlog.Open(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var busOpts []bus.Option
	if opts.Synchronous {
		busOpts = append(busOpts, bus.Synchronous())
	}
	b := bus.New(log, busOpts...)

	reg := source.NewRegistry()
	registerSources(reg, cfg)

	r := repo.Repo{DB: conn}
	a := &App{
		Cfg:      cfg,
		DB:       conn,
		Repo:     r,
		Log:      log,
		Bus:      b,
		Registry: reg,
	}
	a.Coord = coordinator.New(b, log, r, reg,
		notifier(cfg), builder(cfg), upserter(cfg), cfg)
	return a, nil
}

// registerSources wires the live CRM source ahead of the embedded
// static dataset, so the registry falls through when the CRM is not
// configured.
func registerSources(reg *source.Registry, cfg *config.Config) {
	live := sourcecrm.New(sourcecrm.Config{
		BaseURL:   cfg.Sources.CRM.BaseURL,
		Token:     os.Getenv(cfg.Sources.CRM.TokenEnv),
		Timeout:   cfg.Sources.CRM.Timeout.Std(),
		RedisAddr: cfg.Sources.CRM.RedisAddr,
		CacheTTL:  cfg.Sources.CRM.CacheTTL.Std(),
	})
	reg.Register(coordinator.SourceCompany, live, 10)
	reg.Register(coordinator.SourceCompany, static.New(cfg.Sources.Static.DatasetPath), 0)
}

func notifier(cfg *config.Config) notify.Notifier {
	if cfg.Mail.SMTPAddr == "" {
		return notify.LogNotifier{}
	}
	return notify.SMTPSender{Addr: cfg.Mail.SMTPAddr}
}

func builder(cfg *config.Config) notify.Builder {
	return notify.Builder{From: cfg.Mail.From, TokenDomain: cfg.Mail.TokenDomain}
}

func upserter(cfg *config.Config) *crm.Upserter {
	if cfg.Sources.CRM.BaseURL == "" {
		return nil
	}
	return &crm.Upserter{
		BaseURL: cfg.Sources.CRM.BaseURL,
		Token:   os.Getenv(cfg.Sources.CRM.TokenEnv),
		Client:  &http.Client{Timeout: cfg.Sources.CRM.Timeout.Std()},
	}
}

// Close flushes in-flight deliveries and releases resources.
func (a *App) Close() error {
	done := make(chan struct{})
	go func() {
		a.Bus.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return a.DB.Close()
}
