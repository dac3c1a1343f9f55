package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirajehossain/migrun/internal/config"
	"github.com/mirajehossain/migrun/internal/db"
	"github.com/mirajehossain/migrun/internal/logger"
	"github.com/mirajehossain/migrun/internal/metrics"
	"github.com/mirajehossain/migrun/internal/migrator"
)

const (
	exitOK             = 0
	exitChecksum       = 2
	exitLocked         = 3
	exitFail           = 4
	exitPlanError      = 5
	exitRollbackLookup = 6
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// commands that take one positional argument right after the command word
var positional = map[string]bool{"history": false, "rollback": true, "down": true, "baseline": true, "create": true}

func run(args []string, stdout io.Writer) int {
	if len(args) < 1 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stdout)
		return exitOK
	}
	cmd := args[0]
	required, known := positional[cmd]
	if !known && cmd != "up" && cmd != "status" {
		usage(stdout)
		return exitPlanError
	}
	rest := args[1:]
	var arg string
	if known && len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		arg, rest = rest[0], rest[1:]
	}
	if required && arg == "" {
		fmt.Fprintf(os.Stderr, "%s requires an argument, see --help\n", cmd)
		return exitPlanError
	}

	global := flag.NewFlagSet("global", flag.ContinueOnError)
	conf := global.String("config", "", "Optional YAML config path")
	driver := global.String("driver", "", "Database driver: mysql, postgres or sqlite (or DB_DRIVER)")
	dsn := global.String("dsn", "", "Database DSN (or DB_DSN)")
	dir := global.String("dir", "", "Migrations directory (or MIGRATIONS_DIR)")
	jsonOut := global.Bool("json", false, "JSON logs")
	format := global.String("format", "text", "Output format: text, json or yaml")
	dryRun := global.Bool("dry-run", false, "Plan only; do not execute")
	lockTimeout := global.Int("lock-timeout", 0, "Lock timeout seconds (or LOCK_TIMEOUT_SEC)")
	lockBackend := global.String("lock-backend", "", "Lock backend: advisory, table or redis (or LOCK_BACKEND)")
	redisAddr := global.String("redis-addr", "", "Redis address for the redis lock backend (or REDIS_ADDR)")
	table := global.String("table", "", "Changelog table name")
	appliedBy := global.String("applied-by", "", "Override executed_by value")
	verbose := global.Bool("verbose", false, "Verbose per-script logs")
	logFile := global.String("log-file", "", "Also write JSON logs to this rotating file (or LOG_FILE)")
	pushgateway := global.String("pushgateway", "", "Push run metrics to this Prometheus pushgateway (or PUSHGATEWAY_URL)")
	force := global.Bool("force", false, "baseline: clear a non-empty changelog")
	description := global.String("description", "baseline", "baseline: description of the baseline row")
	if err := global.Parse(rest); err != nil {
		return exitPlanError
	}

	cfg, err := config.LoadYAML(*conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitPlanError
	}
	cfg = config.MergeEnv(cfg)
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *jsonOut {
		cfg.JSON = true
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *lockTimeout > 0 {
		cfg.LockTimeoutSec = *lockTimeout
	}
	if *lockBackend != "" {
		cfg.LockBackend = *lockBackend
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *table != "" {
		cfg.MigrationsTable = *table
	}
	if *appliedBy != "" {
		cfg.AppliedBy = *appliedBy
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *pushgateway != "" {
		cfg.PushgatewayURL = *pushgateway
	}

	out, err := newPrinter(stdout, *format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPlanError
	}
	// stdout carries --format output; logs go to stderr.
	log := logger.NewWithOptions(logger.Options{Writer: os.Stderr, JSON: cfg.JSON, Level: cfg.LogLevel, File: cfg.LogFile})
	defer func() { _ = log.Sync() }()

	if cmd == "create" {
		paths, err := scaffold(cfg.Dir, arg)
		if err != nil {
			log.Error("create failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		log.Info("created migration files", map[string]any{"dir": cfg.Dir, "files": paths})
		return exitOK
	}

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn or DB_DSN is required")
		return exitPlanError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPlanError
	}

	database, dialect, err := db.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		log.Error("db open failed", map[string]any{"error": err.Error()})
		return exitFail
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, closeLock, err := openLock(cfg, database, dialect)
	if err != nil {
		log.Error("lock setup failed", map[string]any{"error": err.Error()})
		return exitFail
	}
	defer closeLock()

	reg := prometheus.NewRegistry()
	runner := migrator.NewRunner(database, dialect, cfg.MigrationsTable, l, cfg.AppliedBy)
	runner.LockTimeout = cfg.LockTimeout()
	runner.DryRun = cfg.DryRun
	runner.Log = log
	runner.Metrics = metrics.New(reg)
	defer pushMetrics(cfg, reg, cmd, log)

	if err := runner.Ensure(ctx); err != nil {
		log.Error("ensure changelog failed", map[string]any{"error": err.Error()})
		return exitFail
	}

	switch cmd {
	case "up":
		return cmdUp(ctx, cfg, runner, out, log)
	case "status":
		return cmdStatus(ctx, cfg, runner, out, log)
	case "history":
		limit := 20
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				log.Error("invalid N for history", map[string]any{"arg": arg})
				return exitPlanError
			}
			limit = n
		}
		entries, err := runner.History(ctx, limit)
		if err != nil {
			log.Error("history failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		out.history(entries)
		return exitOK
	case "rollback":
		if code := refreshRollbacks(ctx, cfg, runner, log); code != exitOK {
			return code
		}
		res, err := runner.RollbackOne(ctx, arg)
		if err != nil {
			log.Error("rollback failed", map[string]any{"version": arg, "error": err.Error()})
			return exitCodeFor(err)
		}
		out.rollbacks([]migrator.RollbackResult{*res})
		return exitOK
	case "down":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			log.Error("invalid N for down", map[string]any{"arg": arg})
			return exitPlanError
		}
		if code := refreshRollbacks(ctx, cfg, runner, log); code != exitOK {
			return code
		}
		res, err := runner.RollbackLast(ctx, n)
		out.rollbacks(res)
		if err != nil {
			log.Error("down failed", map[string]any{"error": err.Error(), "reverted": len(res)})
			return exitCodeFor(err)
		}
		if len(res) == 0 {
			log.Info("nothing to roll back", nil)
		}
		return exitOK
	case "baseline":
		e, err := runner.SetBaseline(ctx, arg, *description, *force)
		if err != nil {
			log.Error("baseline failed", map[string]any{"version": arg, "error": err.Error()})
			return exitCodeFor(err)
		}
		out.history([]migrator.Entry{*e})
		return exitOK
	}
	return exitOK
}

func cmdUp(ctx context.Context, cfg *config.Config, runner *migrator.Runner, out *printer, log *logger.Logger) int {
	scripts, err := migrator.FileSource{RootDir: cfg.Dir}.Load()
	if err != nil {
		log.Error("load migrations failed", map[string]any{"dir": cfg.Dir, "error": err.Error()})
		return exitPlanError
	}
	runner.Progress = func(stage string, s migrator.Script, e *migrator.Entry, err error) {
		fields := map[string]any{"version": s.Version, "script": s.ScriptName}
		if e != nil && e.DurationMS != nil {
			fields["duration_ms"] = *e.DurationMS
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		log.Debug("migrate."+stage, fields)
	}
	res, err := runner.RunBatch(ctx, scripts)
	out.batch(res)
	if err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

// refreshRollbacks re-registers the undo files found in cfg.Dir so a
// rollback runs the script as it is on disk now. A missing directory is not
// an error: the scripts registered at apply time are used.
func refreshRollbacks(ctx context.Context, cfg *config.Config, runner *migrator.Runner, log *logger.Logger) int {
	scripts, err := migrator.FileSource{RootDir: cfg.Dir}.Load()
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("migrations dir not found, using registered rollback scripts", map[string]any{"dir": cfg.Dir})
		return exitOK
	}
	if err != nil {
		log.Error("load migrations failed", map[string]any{"dir": cfg.Dir, "error": err.Error()})
		return exitPlanError
	}
	n, err := runner.RegisterAll(ctx, scripts)
	if err != nil {
		log.Error("register rollback scripts failed", map[string]any{"error": err.Error()})
		return exitFail
	}
	log.Debug("rollback scripts refreshed", map[string]any{"dir": cfg.Dir, "count": n})
	return exitOK
}

func cmdStatus(ctx context.Context, cfg *config.Config, runner *migrator.Runner, out *printer, log *logger.Logger) int {
	st, err := runner.Status(ctx)
	if err != nil {
		log.Error("status failed", map[string]any{"error": err.Error()})
		return exitFail
	}
	var pending []migrator.Script
	if scripts, err := (migrator.FileSource{RootDir: cfg.Dir}).Load(); err != nil {
		log.Warn("cannot list pending scripts", map[string]any{"dir": cfg.Dir, "error": err.Error()})
	} else if pending, err = runner.Pending(ctx, scripts); err != nil {
		log.Error("status failed", map[string]any{"error": err.Error()})
		return exitFail
	}
	out.status(st, pending)
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, migrator.ErrChecksumMismatch):
		return exitChecksum
	case errors.Is(err, migrator.ErrLockTimeout):
		return exitLocked
	case errors.Is(err, migrator.ErrSequencing),
		errors.Is(err, migrator.ErrInvalidScript),
		errors.Is(err, migrator.ErrBaselineNotEmpty):
		return exitPlanError
	case errors.Is(err, migrator.ErrVersionNotFound),
		errors.Is(err, migrator.ErrNoRollbackAvailable):
		return exitRollbackLookup
	default:
		return exitFail
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `migrun - versioned and repeatable SQL migrations

USAGE:
  migrun <command> [arg] [--flags]

COMMANDS:
  up                        Apply pending versioned scripts, then changed repeatables
  status                    Current version, lock state and pending scripts
  history [n]               Last n changelog rows (default 20)
  rollback <version>        Run the registered undo script of one version
  down <n>                  Roll back the last n applied versions, newest first
  baseline <version>        Reset the changelog to a single baseline row (--force if not empty)
  create <name>             Scaffold V<ts>__name.sql and U<ts>__name.sql

GLOBAL FLAGS:
  --driver <name>           mysql, postgres or sqlite (default mysql)
  --dsn <dsn>               Database DSN (or DB_DSN)
  --dir <path>              Migrations directory (default ./migrations)
  --table <name>            Changelog table (default schema_changelog)
  --config <path>           Optional YAML config path
  --lock-timeout <sec>      Lock wait timeout (default 30)
  --lock-backend <name>     advisory, table or redis
  --redis-addr <addr>       Redis address for --lock-backend redis
  --applied-by <name>       Override executed_by
  --dry-run                 Plan only; don't execute SQL
  --format <fmt>            text, json or yaml output
  --json                    JSON logs
  --verbose                 Per-script debug logs
  --log-file <path>         Rotating JSON log file
  --pushgateway <url>       Push run metrics to a Prometheus pushgateway

EXIT CODES:
  0 ok, 2 checksum mismatch, 3 lock timeout, 4 execution failure,
  5 plan/sequencing/usage error, 6 rollback lookup error

EXAMPLES:
  migrun up --dsn "$DSN" --dir ./migrations
  migrun up --driver sqlite --dsn ./app.db --dry-run
  migrun status --dsn "$DSN" --format json
  migrun rollback 002 --dsn "$DSN"
  migrun baseline 5 --dsn "$DSN" --description "existing schema" --force
  migrun create add_user_table --dir ./migrations`)
}
