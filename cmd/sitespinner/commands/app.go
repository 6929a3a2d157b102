package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/backends/database"
	"github.com/sitespinner/sitespinner/pkg/backends/domain"
	"github.com/sitespinner/sitespinner/pkg/backends/files"
	"github.com/sitespinner/sitespinner/pkg/config"
	"github.com/sitespinner/sitespinner/pkg/engine"
	"github.com/sitespinner/sitespinner/pkg/policy"
	"github.com/sitespinner/sitespinner/pkg/stores"
	"github.com/sitespinner/sitespinner/pkg/telemetry"
	"github.com/sitespinner/sitespinner/pkg/transports/ssh"
)

// app holds what a command run needs: settings, telemetry and lazily opened
// collaborators. close releases them in reverse order.
type app struct {
	opts      *globalOptions
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	user      *user.User
	group     string

	store   *stores.SQLiteStore
	closers []func() error
}

func newApp(opts *globalOptions) (*app, error) {
	path, optional := opts.configPath, false
	if path == "" {
		path, optional = config.DefaultSettingsFile, true
	}
	settings, err := config.LoadSettings(path, optional)
	if err != nil {
		return nil, exitWith(ExitUsage, err)
	}
	if len(opts.aliasPaths) > 0 {
		settings.AliasPaths = opts.aliasPaths
	}
	if opts.stateDB != "" {
		settings.StateDB = opts.stateDB
	}
	if opts.verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if opts.jsonOutput {
		settings.Telemetry.Logging.Format = "json"
	}

	t, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, exitWith(ExitUsage, fmt.Errorf("failed to set up telemetry: %w", err))
	}

	a := &app{
		opts:      opts,
		settings:  settings,
		telemetry: t,
		logger:    t.Logger.Zerolog(),
	}
	if err := t.StartMetricsServer(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to start metrics server")
	}

	if u, err := user.Current(); err == nil {
		a.user = u
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			a.group = g.Name
		}
	}
	return a, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close resource")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to flush telemetry")
	}
}

func (a *app) userName() string {
	if a.user == nil {
		return ""
	}
	return a.user.Username
}

// owner identifies the operator in the run journal.
func (a *app) owner() string {
	host, _ := os.Hostname()
	if name := a.userName(); name != "" {
		return name + "@" + host
	}
	return host
}

// resolver loads every alias file and returns a resolver over them.
func (a *app) resolver(ctx context.Context) (*alias.Store, *alias.Resolver, error) {
	loader := config.NewLoader(a.logger,
		config.WithEnv(config.EnvFromOS()),
		config.WithStarlarkTimeout(a.settings.Execution.StarlarkTimeout),
	)
	docs, err := loader.Load(ctx, a.settings.AliasPaths...)
	if err != nil {
		return nil, nil, exitWith(ExitAlias, err)
	}
	store, err := alias.Load(docs...)
	if err != nil {
		return nil, nil, exitWith(ExitAlias, err)
	}
	resolver := alias.NewResolver(store, alias.WithDefaults(alias.Defaults{
		User:  a.userName(),
		Group: a.group,
	}))
	return store, resolver, nil
}

func (a *app) resolve(r *alias.Resolver, name string) (*alias.ResolvedAlias, error) {
	resolved, err := r.Resolve(name)
	if err != nil {
		return nil, exitWith(ExitAlias, err)
	}
	return resolved, nil
}

// openStore opens and migrates the run journal.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	path := a.settings.StateDB
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, exitWith(ExitJournal, fmt.Errorf("failed to create state directory: %w", err))
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, exitWith(ExitJournal, err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, exitWith(ExitJournal, err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, exitWith(ExitJournal, err)
	}
	a.store = store
	return store, nil
}

// policyEngine builds the plan gate from the built-in policies, the settings'
// protected and disabled lists and the optional policy directory.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(a.logger,
		policy.WithData(a.settings.PolicyData()),
		policy.WithDisabled(a.settings.Policy.Disabled...),
	)
	if err != nil {
		return nil, exitWith(ExitUsage, err)
	}
	if dir := a.settings.Policy.Dir; dir != "" {
		if err := pe.LoadPolicies(ctx, []string{dir}); err != nil {
			return nil, exitWith(ExitUsage, fmt.Errorf("failed to load policies: %w", err))
		}
	}
	return pe, nil
}

// checkPolicies evaluates plan and returns an ExitPolicy error when it is denied.
func (a *app) checkPolicies(ctx context.Context, plan *engine.Plan, overwrite, dryRun bool) (*policy.Result, error) {
	pe, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	result, err := pe.EvaluatePlan(ctx, plan, &policy.Context{
		User:        a.userName(),
		Environment: a.settings.Telemetry.Environment,
		Timestamp:   time.Now(),
		Overwrite:   overwrite,
		DryRun:      dryRun,
	})
	if err != nil {
		return nil, exitWith(ExitPolicy, err)
	}
	for _, w := range result.Warnings {
		a.logger.Warn().Str("policy", w.Policy).Msg(w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			if v.Severity.Blocking() {
				a.telemetry.Metrics.RecordPolicyDenial(v.Policy)
			}
		}
		return result, exitWith(ExitPolicy, result.Err())
	}
	return result, nil
}

// backends wires the collaborators for a run against dest. Aliases with a
// remote-host get an SFTP filesystem over SSH; the binder edits sites.php
// through the same filesystem.
func (a *app) backends(ctx context.Context, dest *alias.ResolvedAlias) (engine.Backends, error) {
	dbs := database.NewRegistry(database.MySQLOptions{
		DumpCommand:    a.settings.MySQL.DumpCommand,
		ClientCommand:  a.settings.MySQL.ClientCommand,
		GrantHost:      a.settings.MySQL.GrantHost,
		ConnectTimeout: a.settings.MySQL.ConnectTimeout,
	}, a.logger)

	var fs engine.Filesystem
	host, remoteUser := dest.Remote()
	if host == "" {
		fs = files.NewLocal(a.settings.Execution.Workers, a.logger)
	} else {
		client, err := a.dial(ctx, host, remoteUser)
		if err != nil {
			return engine.Backends{}, exitWith(ExitUsage, err)
		}
		fs = files.NewRemote(client, a.logger)
	}

	return engine.Backends{
		Databases: dbs,
		Files:     fs,
		Binder:    domain.NewSitesBinder(fs, a.logger),
	}, nil
}

func (a *app) dial(ctx context.Context, host, remoteUser string) (*ssh.Client, error) {
	if remoteUser == "" {
		remoteUser = a.userName()
	}
	s := a.settings.SSH
	cfg := ssh.DefaultConfig(host, remoteUser)
	cfg.Port = s.Port
	cfg.PrivateKeyPath = s.PrivateKeyPath
	if s.UseAgent {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if s.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = !s.Insecure
	if s.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = s.ConnectTimeout
	}
	cfg.UseSudo = s.UseSudo

	client, err := ssh.NewClient(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// execute runs plan under the destination lock with the journal and telemetry attached.
func (a *app) execute(ctx context.Context, plan *engine.Plan, backends engine.Backends) (*engine.ExecutionReport, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	observer := telemetry.NewObserver(a.telemetry)
	executor := engine.NewExecutor(backends, engine.ExecutorOptions{
		MaxRetries:    a.settings.Execution.MaxRetries,
		ActionTimeout: a.settings.Execution.ActionTimeout,
		LockTTL:       a.settings.Execution.LockTTL,
		Owner:         a.owner(),
	},
		engine.WithLogger(a.logger),
		engine.WithLocker(store),
		engine.WithJournal(store),
		engine.WithObserver(observer),
	)

	runCtx, end := observer.StartRun(ctx, plan.ID, plan.Kind, plan.Destination.Name)
	report := executor.Run(runCtx, plan)
	end()

	var locked *engine.LockedError
	if errors.As(report.Cause, &locked) {
		a.telemetry.Metrics.RecordLockContention(plan.Destination.Name)
	}
	return report, nil
}
