package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	serveradapter "github.com/hylla/scopeledger/internal/adapters/server"
	servercommon "github.com/hylla/scopeledger/internal/adapters/server/common"
	"github.com/hylla/scopeledger/internal/adapters/storage/sqlite"
	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/config"
	"github.com/hylla/scopeledger/internal/platform"
	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

// serveCommandRunner starts the HTTP+MCP serve flow.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run builds the command tree and executes args against it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	c := &cli{stdout: stdout, stderr: stderr}
	defer c.close()

	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return fang.Execute(ctx, root,
		fang.WithVersion(version),
		fang.WithoutManpage(),
	)
}

// globalFlags holds persistent flag values shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	actorID    string
	actorType  string
	jsonOutput bool
	quiet      bool
}

// cli carries resolved runtime state between cobra hooks and command handlers.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	flags      globalFlags
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
	stack      *runtimeStack
}

// runtimeStack is the wired storage, service, and outbox graph for one invocation.
type runtimeStack struct {
	repo      *sqlite.Repository
	service   *app.Service
	drainer   *app.Drainer
	scheduler *app.DrainScheduler
	adapter   *servercommon.AppServiceAdapter
}

func (c *cli) rootCommand() *cobra.Command {
	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("SCOPES_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	defaultApp := platform.DefaultAppName
	if envApp := strings.TrimSpace(os.Getenv("SCOPES_APP_NAME")); envApp != "" {
		defaultApp = envApp
	}
	defaultActor := strings.TrimSpace(os.Getenv("SCOPES_ACTOR"))
	if defaultActor == "" {
		defaultActor = strings.TrimSpace(os.Getenv("USER"))
	}
	if defaultActor == "" {
		defaultActor = "local"
	}

	root := &cobra.Command{
		Use:   "scopes",
		Short: "Event-sourced scope tracker",
		Long: `Track hierarchical scopes as an append-only event log.

Every change is appended with an optimistic version check, queued in a
transactional outbox, and projected into a queryable read model.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.prepare,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "path to config TOML")
	pf.StringVar(&c.flags.dbPath, "db", "", "path to sqlite database")
	pf.StringVar(&c.flags.appName, "app", defaultApp, "application name for config/data path resolution")
	pf.BoolVar(&c.flags.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")
	pf.StringVar(&c.flags.actorID, "actor", defaultActor, "actor id recorded with commands")
	pf.StringVar(&c.flags.actorType, "actor-type", string(app.ActorTypeUser), "actor type: user, agent, or system")
	pf.BoolVar(&c.flags.jsonOutput, "json", false, "write machine-readable JSON output")
	pf.BoolVarP(&c.flags.quiet, "quiet", "q", false, "mute console logs (the dev log file still records them)")

	root.AddCommand(
		c.createCommand(),
		c.updateCommand(),
		c.scopeCommand("delete", "Delete a scope and drop it from the read model", (*servercommon.AppServiceAdapter).DeleteScope),
		c.scopeCommand("archive", "Archive a scope", (*servercommon.AppServiceAdapter).ArchiveScope),
		c.scopeCommand("restore", "Restore an archived scope", (*servercommon.AppServiceAdapter).RestoreScope),
		c.aliasCommand(),
		c.showCommand(),
		c.historyCommand(),
		c.childrenCommand(),
		c.outboxCommand(),
		c.serveCommand(),
		c.pathsCommand(),
	)
	return root
}

// prepare resolves paths, config, and logging before any command runs.
func (c *cli) prepare(cmd *cobra.Command, _ []string) error {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: c.flags.appName,
		DevMode: c.flags.devMode,
	})
	if err != nil {
		return err
	}
	c.paths = paths
	if cmd.Name() == "paths" {
		return nil
	}

	c.configPath = strings.TrimSpace(c.flags.configPath)
	if c.configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("SCOPES_CONFIG")); envPath != "" {
			c.configPath = envPath
		} else {
			c.configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(c.flags.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("SCOPES_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(c.configPath, config.Default(dbPath))
	if err != nil {
		return fmt.Errorf("load config %q: %w", c.configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}
	c.cfg = cfg

	logger, err := newRuntimeLogger(c.stderr, c.flags.appName, c.flags.devMode, cfg.Logging, time.Now)
	if err != nil {
		return fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.SetConsoleEnabled(!c.flags.quiet)
	c.logger = logger

	logger.Info("startup configuration resolved", "app", c.flags.appName, "dev_mode", c.flags.devMode, "command", cmd.Name())
	logger.Debug("runtime paths resolved", "config_path", c.configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Debug("dev file logging enabled", "path", devPath)
	}
	return nil
}

// openStack opens the sqlite repository and wires the service graph. Background mode adds the drain scheduler.
func (c *cli) openStack(background bool) (*runtimeStack, error) {
	if c.stack != nil {
		return c.stack, nil
	}
	logger := c.logger
	logger.Debug("opening sqlite repository", "db_path", c.cfg.Database.Path)
	repo, err := sqlite.Open(c.cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", c.cfg.Database.Path, "err", err)
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}

	outboxCfg := c.cfg.Outbox
	drainer := app.NewDrainer(repo, app.NewProjector(repo), app.DrainerConfig{
		MaxAttempts: outboxCfg.MaxAttempts,
		Lease:       repo,
		LeaseTTL:    outboxCfg.Lease(),
		Owner:       c.flags.appName + "-" + uuid.NewString(),
		Logger:      logger.With("component", "drainer"),
	})

	stack := &runtimeStack{repo: repo, drainer: drainer}
	if background {
		scheduler, err := app.NewDrainScheduler(drainer, app.SchedulerConfig{
			Interval:  outboxCfg.DrainInterval(),
			BatchSize: outboxCfg.BatchSize,
			Logger:    logger.With("component", "scheduler"),
		})
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		stack.scheduler = scheduler
	}

	dispatch, err := c.dispatchPolicy(stack)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	stack.service = app.NewService(app.NewAggregateRepository(repo, repo), repo, uuid.NewString, time.Now, app.ServiceConfig{
		Dispatch: dispatch,
		Logger:   logger,
	})
	stack.adapter = servercommon.NewAppServiceAdapter(stack.service, servercommon.WithOutbox(repo, drainer, outboxCfg.BatchSize))
	c.stack = stack
	logger.Debug("application service initialized", "dispatch", outboxCfg.Dispatch, "background", background)
	return stack, nil
}

// dispatchPolicy maps the configured dispatch mode onto a policy for stack.
func (c *cli) dispatchPolicy(stack *runtimeStack) (app.DispatchPolicy, error) {
	outboxCfg := c.cfg.Outbox
	mode, err := app.ParseDispatchMode(string(outboxCfg.Dispatch))
	if err != nil {
		return nil, err
	}
	switch mode {
	case app.DispatchDeferred:
		return app.DeferredDispatch{}, nil
	case app.DispatchNotify:
		if stack.scheduler == nil {
			// One-shot commands have no scheduler to wake.
			return app.DeferredDispatch{}, nil
		}
		return app.NotifyDispatch{Waker: stack.scheduler}, nil
	default:
		return app.ImmediateDispatch{Drainer: stack.drainer, BatchSize: outboxCfg.BatchSize, Logger: c.logger}, nil
	}
}

// adapter opens the one-shot stack and returns its transport adapter.
func (c *cli) adapter() (*servercommon.AppServiceAdapter, error) {
	stack, err := c.openStack(false)
	if err != nil {
		return nil, err
	}
	return stack.adapter, nil
}

// actor returns the attribution tuple from the persistent flags.
func (c *cli) actor() servercommon.ActorTuple {
	return servercommon.ActorTuple{ActorID: c.flags.actorID, ActorType: c.flags.actorType}
}

func (c *cli) close() {
	if c.stack != nil && c.stack.repo != nil {
		if err := c.stack.repo.Close(); err != nil {
			c.logger.Warn("sqlite close failed", "db_path", c.cfg.Database.Path, "err", err)
		}
		c.stack = nil
	}
	if c.logger != nil {
		if err := c.logger.Close(); err != nil {
			_, _ = fmt.Fprintf(c.stderr, "warning: close runtime log sink: %v\n", err)
		}
	}
}

// parseBoolEnv reads a boolean environment variable, reporting whether it was set and valid.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
