// Package app wires Arbiter's components together and drives the main
// refresh loop.
package app

import (
	"fmt"
	"io"

	"github.com/chpc-uofu/arbiter/pkg/badness"
	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/enforcer"
	"github.com/chpc-uofu/arbiter/pkg/highusage"
	"github.com/chpc-uofu/arbiter/pkg/log"
	"github.com/chpc-uofu/arbiter/pkg/notify"
	"github.com/chpc-uofu/arbiter/pkg/statusdb"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/sirupsen/logrus"
)

// ExitCodeExitFile is what the process exits with when the exit file is
// touched: 128 + SIGTERM. Arbiter never receives the signal, but pretends it
// did so systemd restart-on-failure units behave.
const ExitCodeExitFile = 143

// App holds every long-lived component of the daemon.
type App struct {
	closers []io.Closer

	Config     *config.AppConfig
	Log        *logrus.Entry
	ServiceLog *logrus.Entry

	Facts     cgroups.Facts
	Adapter   *cgroups.Adapter
	Manager   *statuses.Manager
	Collector *collector.Collector
	Engine    *badness.Engine
	Enforcer  *enforcer.Enforcer
	Notifier  *notify.Notifier
	DB        *statusdb.DB
	Sync      *statusdb.Synchronizer
	HighUsage *highusage.Watcher
	ExitFile  *ExitFileWatcher
}

// NewApp bootstraps the application. Configuration and store errors here are
// fatal; the caller exits 2.
func NewApp(appConfig *config.AppConfig) (*App, error) {
	app := &App{Config: appConfig}
	cfg := appConfig.UserConfig

	app.Log = log.NewLogger(appConfig)
	app.ServiceLog = log.NewServiceLogger(appConfig)

	facts, err := cgroups.CollectFacts()
	if err != nil {
		return app, fmt.Errorf("collecting host facts: %w", err)
	}
	app.Facts = facts

	app.Adapter = cgroups.NewAdapter(facts, cfg.Processes.Memsw, false, cfg.Processes.Pss)
	app.Manager = statuses.NewManager(cfg, facts)
	app.Engine = badness.NewEngine(cfg)
	app.Enforcer = enforcer.New(app.Adapter, cfg.Processes.Memsw, cfg.General.DebugMode, app.Log)

	whitelist := collector.NewWhitelist(cfg)
	app.Collector = collector.New(cfg, app.Adapter, app.Manager, whitelist, app.Log)

	sender := notify.NewSMTPSender(cfg.Email.MailServer, cfg.Email.FromEmail, cfg.Email.ReplyTo, app.Log)
	app.Notifier = notify.New(cfg, facts, sender, app.Log)
	app.HighUsage = highusage.NewWatcher(cfg, facts, app.Notifier, app.Log)

	app.DB, err = statusdb.Open(
		cfg.Database.StatusdbURL,
		cfg.Database.LogLocation,
		facts.Hostname,
		cfg.Database.StatusdbSyncGroup,
		app.Log,
	)
	if err != nil {
		return app, fmt.Errorf("opening statusdb: %w", err)
	}
	app.closers = append(app.closers, app.DB)
	app.Sync = statusdb.NewSynchronizer(app.DB, app.Manager, app.Log)

	if appConfig.ExitFile != "" {
		app.ExitFile = NewExitFileWatcher(appConfig.ExitFile, cfg.Self.Groupname, app.Log)
	}

	if created, migrated, err := app.DB.EnsureTablesV3(); err != nil {
		return app, fmt.Errorf("preparing statusdb tables: %w", err)
	} else if created || migrated {
		app.Log.Infof("statusdb prepared (created=%v, migrated=%v)", created, migrated)
	}

	if err := app.checkPermissions(); err != nil {
		return app, err
	}

	return app, nil
}

// checkPermissions probes that quota files are writable before entering the
// loop, so a misconfigured service fails at startup instead of silently
// never enforcing. Rewriting a quota's current value is a no-op to the
// kernel.
func (app *App) checkPermissions() error {
	if app.Config.Debug {
		app.Log.Info("Permissions and quotas won't be set since debug mode is on")
		return nil
	}
	uids, err := app.Adapter.ListActiveUIDs(app.Config.UserConfig.General.MinUID)
	if err != nil || len(uids) == 0 {
		// nothing to probe against; the loop will warn when users appear
		return nil
	}
	target := cgroups.UserTarget(uids[0])
	quota, err := app.Adapter.CPUQuota(target)
	if err != nil {
		return nil
	}
	if err := app.Adapter.SetCPUQuota(target, quota); err != nil {
		return fmt.Errorf("cannot write cgroup quota files (run as root or grant write access to the %s group): %w",
			app.Config.UserConfig.Self.Groupname, err)
	}
	return nil
}

// Close closes any resources.
func (app *App) Close() error {
	if app.HighUsage != nil {
		app.HighUsage.Stop()
	}
	for _, closer := range app.closers {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}
