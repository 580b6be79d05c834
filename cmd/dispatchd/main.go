package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/channels"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/daemon"
	"github.com/basket/dispatchd/internal/dispatch"
	"github.com/basket/dispatchd/internal/health"
	"github.com/basket/dispatchd/internal/heartbeat"
	"github.com/basket/dispatchd/internal/lifecycle"
	otelPkg "github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/persistence"
	"github.com/basket/dispatchd/internal/queue"
	"github.com/basket/dispatchd/internal/reset"
	"github.com/basket/dispatchd/internal/runner"
	"github.com/basket/dispatchd/internal/scheduler"
	"github.com/basket/dispatchd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the dispatch daemon in the foreground
  %s -quiet                   Start with file-only logs (no stdout)

SUBCOMMANDS:
  %s status [-json]           Show daemon health from the loopback endpoint
  %s stop [-wait]             Ask the running daemon to shut down
  %s send [options]           Queue a message for an agent
                              Options: -agent <id>, -message <text>,
                              -session-mode <default|current|isolated>
  %s reset -agent <id>        Start a fresh session on the agent's next dispatch
  %s crashes [-clear]         List recorded crashes, or clear them to
                              unblock a daemon stopped by the crash guard
  %s doctor [-json]           Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DISPATCHD_HOME              Data directory (default: ~/.dispatchd)
  DISPATCHD_BIND_ADDR         Health endpoint address (default: 127.0.0.1:18990)
  DISPATCHD_LOG_LEVEL         Log level: debug, info, warn, error
  DISPATCHD_TELEGRAM_TOKEN    Bot token for the telegram channel

EXAMPLES:
  Run the daemon:         %s
  Check health:           %s status
  Queue a message:        %s send -agent main -message "ship the report"
  Reset a session:        %s reset -agent main
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "run":
			// Explicit alias for the default daemon mode.
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stop":
			os.Exit(runStopCommand(args[1:]))
		case "send":
			os.Exit(runSendCommand(args[1:]))
		case "reset":
			os.Exit(runResetCommand(args[1:]))
		case "crashes":
			os.Exit(runCrashesCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

// runDaemon wires the full stack and blocks until the daemon stops. An
// abnormal exit is appended to the crash log before returning so the
// crash guard can count it on the next start.
func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.Missing {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)
	if cfg.Missing {
		logger.Warn("no config.yaml found; wrote a starter config", "path", filepath.Join(cfg.HomeDir, "config.yaml"))
	}
	if len(cfg.Agents) == 0 {
		logger.Warn("no agents configured; queued messages will fail dispatch")
	}

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(flushCtx)
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder := otelPkg.NewRecorder(metrics, eventBus, logger)
	recorder.Start(context.Background())
	defer recorder.Stop()

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer func() { _ = store.Close() }()

	queueStore, err := queue.NewStore(cfg.QueueDir(), logger, eventBus)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_INIT", err)
	}
	resetStore, err := reset.NewStore(cfg.ResetDir(), logger)
	if err != nil {
		fatalStartup(logger, "E_RESET_INIT", err)
	}
	logger.Info("startup phase", "phase", "stores_ready")

	var adapters dispatch.AdapterFactory
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram is enabled but no token is set")
		}
		tg := channels.New(&cfg, queueStore, eventBus, logger)
		adapters = tg
		go func() {
			if err := tg.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Config:   &cfg,
		Executor: runner.New(cfg.Runner, logger),
		Adapters: adapters,
		Sessions: store,
		Resets:   resetStore,
		Outgoing: queueStore,
		History:  store,
		Events:   eventBus,
		Logger:   logger,
	})

	sched, err := scheduler.New(cfg.TasksDir(), queueStore, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	defer func() { _ = sched.Close() }()

	d := daemon.New(daemon.Deps{
		Config:     &cfg,
		Queue:      queueStore,
		Handler:    dispatcher,
		Heartbeats: heartbeat.NewGenerator(&cfg, logger),
		Scheduler:  sched,
		Events:     eventBus,
		Tracer:     provider.Tracer,
		Logger:     logger,
	})

	healthSrv := health.New(cfg.BindAddr, d.Snapshot, provider.Tracer, logger)
	if err := healthSrv.Start(); err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			fmt.Fprintf(os.Stderr, "dispatchd: %s is already bound; is another instance running?\n", cfg.BindAddr)
		}
		fatalStartup(logger, "E_HEALTH_BIND", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shCtx)
	}()

	logger.Info("startup phase", "phase", "daemon_starting", "version", Version, "bind_addr", cfg.BindAddr)

	if err := runGuarded(ctx, d); err != nil {
		if errors.Is(err, lifecycle.ErrCrashLoop) {
			logger.Error("startup blocked", "error", err)
			fmt.Fprintf(os.Stderr, "dispatchd: %v\nInspect with %q, clear with %q to allow startup.\n",
				err, os.Args[0]+" crashes", os.Args[0]+" crashes -clear")
			return 1
		}
		logger.Error("daemon exited abnormally", "error", err)
		window := time.Duration(cfg.CrashLoopWindowMinutes) * time.Minute
		if rerr := lifecycle.RecordCrash(cfg.CrashLogPath(), err.Error(), window, time.Now()); rerr != nil {
			logger.Error("crash record write failed", "error", rerr)
		}
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// runGuarded converts a panic escaping the daemon loop into an error so
// the caller records it as a crash instead of dying silently.
func runGuarded(ctx context.Context, d *daemon.Daemon) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("daemon panic: %v", r)
		}
	}()
	return d.Run(ctx)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// quietLogger backs subcommands that touch stores but should only speak
// through their own stdout and exit codes.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loadDotEnv loads KEY=VALUE pairs from a local .env file into the
// process environment. Existing variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
