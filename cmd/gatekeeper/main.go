// Command gatekeeper runs the admission gateway and its maintenance tasks.
//
// Usage:
//
//	gatekeeper serve
//	gatekeeper migrate
//	gatekeeper reset-counters --date 2025-03-09
//	gatekeeper cleanup-counters --days 30
//	gatekeeper partitions create --month 2025-04
//	gatekeeper partitions status
//
// Settings come from the environment (see internal/config); --env-file
// names a dotenv file that is loaded first without overriding variables
// already set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tbourn/chat-gatekeeper/internal/app"
	"github.com/tbourn/chat-gatekeeper/internal/config"
	"github.com/tbourn/chat-gatekeeper/internal/domain"
	httpapi "github.com/tbourn/chat-gatekeeper/internal/http"
	"github.com/tbourn/chat-gatekeeper/internal/observability"
	"github.com/tbourn/chat-gatekeeper/internal/sysutil"
)

// version is set with -ldflags "-X main.version=...".
var version string

// stdout receives command results; tests replace it.
var stdout io.Writer = os.Stdout

const monthLayout = "2006-01"

// CLI defines the command-line interface.
type CLI struct {
	Version         VersionCmd         `cmd:"" help:"Show version information."`
	Serve           ServeCmd           `cmd:"" help:"Start the HTTP API and background tasks."`
	Migrate         MigrateCmd         `cmd:"" help:"Apply schema migrations and ensure current partitions."`
	ResetCounters   ResetCountersCmd   `cmd:"" name:"reset-counters" help:"Delete the daily counters of one day."`
	CleanupCounters CleanupCountersCmd `cmd:"" name:"cleanup-counters" help:"Delete counters older than the retention window."`
	Partitions      PartitionsCmd      `cmd:"" help:"Manage monthly message partitions."`

	EnvFile   string `name:"env-file" help:"Dotenv file to load before reading the environment." default:".env" type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error); overrides LOG_LEVEL."`
	LogPretty bool   `name:"log-pretty" help:"Human-readable console logs; same as LOG_PRETTY=true."`
}

// setup loads configuration and installs the global logger.
func (cli *CLI) setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	lg := sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty || cli.LogPretty, os.Stderr)
	return cfg, lg, nil
}

// open wires the application for a one-shot command.
func (cli *CLI) open(ctx context.Context) (*app.App, error) {
	cfg, lg, err := cli.setup()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, lg)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	_, err := fmt.Fprintf(stdout, "gatekeeper %s\n", sysutil.Version(version))
	return err
}

// ServeCmd starts the HTTP API, the state cache janitor and both schedulers.
type ServeCmd struct {
	Port            string        `help:"Listen port; overrides PORT."`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for in-flight requests." default:"15s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, lg, err := cli.setup()
	if err != nil {
		return err
	}
	if c.Port != "" {
		cfg.Port = c.Port
	}
	ver := sysutil.Version(version)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.Handlers(), cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	a.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		lg.Info().
			Str("addr", srv.Addr).
			Str("version", ver).
			Str("storage", cfg.Storage.Backend).
			Str("quota", cfg.Storage.QuotaBackend).
			Msg("gatekeeper listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := shutdownOTel(shCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if len(errs) == 0 {
		lg.Info().Msg("stopped")
	}
	return errors.Join(errs...)
}

// MigrateCmd brings the schema up to date and creates the partitions of the
// current and next month.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Partitions.Bootstrap(ctx); err != nil {
		return err
	}
	a.Log.Info().Str("backend", a.Config.Storage.Backend).Msg("schema up to date")
	return nil
}

// ResetCountersCmd deletes one day's counters, yesterday by default.
type ResetCountersCmd struct {
	Date string `help:"Day to reset as YYYY-MM-DD (default: yesterday)."`
}

func (c *ResetCountersCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	day := a.Counter.Today().AddDays(-1)
	if c.Date != "" {
		if day, err = domain.ParseDay(c.Date); err != nil {
			return err
		}
	}
	n, err := a.Resets.ForceReset(ctx, day)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"day": day, "affected": n})
}

// CleanupCountersCmd deletes counters older than --days.
type CleanupCountersCmd struct {
	Days *int `help:"Days of history to keep (default: COUNTER_RETENTION_DAYS)."`
}

func (c *CleanupCountersCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	days := a.Config.Scheduler.CounterRetentionDays
	if c.Days != nil {
		days = *c.Days
	}
	if days < 0 {
		return errors.New("--days must not be negative")
	}
	n, err := a.Counter.CleanupOlderThan(ctx, days)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"days": days, "affected": n})
}

// PartitionsCmd groups the partition subcommands.
type PartitionsCmd struct {
	Create PartitionCreateCmd `cmd:"" help:"Create the partition of a month."`
	Drop   PartitionDropCmd   `cmd:"" help:"Drop the partition of a month."`
	Status PartitionStatusCmd `cmd:"" help:"List partitions and the next maintenance windows."`
}

// PartitionCreateCmd creates the partition of --month.
type PartitionCreateCmd struct {
	Month string `required:"" help:"Month as YYYY-MM."`
}

func (c *PartitionCreateCmd) Run(cli *CLI) error {
	month, err := time.Parse(monthLayout, c.Month)
	if err != nil {
		return fmt.Errorf("--month must be YYYY-MM: %w", err)
	}
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.Partitions.ForceCreate(ctx, month)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"partition": domain.PartitionName(month), "created": created})
}

// PartitionDropCmd drops the partition of --month.
type PartitionDropCmd struct {
	Month string `required:"" help:"Month as YYYY-MM."`
}

func (c *PartitionDropCmd) Run(cli *CLI) error {
	month, err := time.Parse(monthLayout, c.Month)
	if err != nil {
		return fmt.Errorf("--month must be YYYY-MM: %w", err)
	}
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dropped, err := a.Partitions.ForceDrop(ctx, month)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"partition": domain.PartitionName(month), "dropped": dropped})
}

// PartitionStatusCmd prints the existing partitions.
type PartitionStatusCmd struct{}

func (c *PartitionStatusCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Partitions.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadDotEnv loads path if it exists. Variables already in the environment
// win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("gatekeeper"),
		kong.Description("Admission gateway for chat bots: rate limits, content checks, daily quotas."),
		kong.UsageOnError(),
	)
}

func main() {
	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := loadDotEnv(cli.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", cli.EnvFile, err)
		os.Exit(1)
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
