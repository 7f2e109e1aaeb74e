package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/odvcencio/pkgdb/internal/bugzilla"
	"github.com/odvcencio/pkgdb/internal/config"
	"github.com/odvcencio/pkgdb/internal/database"
	"github.com/odvcencio/pkgdb/internal/identity"
	"github.com/odvcencio/pkgdb/internal/models"
	"github.com/odvcencio/pkgdb/internal/rhel"
	"github.com/odvcencio/pkgdb/internal/service"
)

const usage = `Usage: pkgdb <command> [flags]

Commands:
  serve    Serve health and metrics endpoints
  migrate  Run database migrations
  branch   Copy every active listing of one collection to another
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "branch":
		cmdBranch(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}

// loadConfig parses the common --config flag plus any command flags already
// registered on fs.
func loadConfig(fs *pflag.FlagSet, args []string) *config.Config {
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func cmdServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	cfg := loadConfig(fs, args)

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	// Registers the engine metrics served below.
	if _, err := buildService(cfg, db, prometheus.DefaultRegisterer); err != nil {
		slog.Error("build service", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      newMux(db, promhttp.Handler()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("pkgdb listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

func cmdMigrate(args []string) {
	fs := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	cfg := loadConfig(fs, args)

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func cmdBranch(args []string) {
	fs := pflag.NewFlagSet("branch", pflag.ExitOnError)
	from := fs.String("from", "", "branch name of the source collection")
	to := fs.String("to", "", "branch name of the target collection")
	username := fs.String("actor", os.Getenv("USER"), "user recorded as running the branch")
	groups := fs.StringSlice("groups", nil, "groups of the acting user")
	cfg := loadConfig(fs, args)
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "--from and --to are required")
		os.Exit(2)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		traceShutdown(ctx)
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := buildService(cfg, db, prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("build service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	actor := models.Actor{Username: *username, Groups: *groups}
	if err := runBranch(ctx, svc, os.Stdout, actor, *from, *to); err != nil {
		slog.Error("branch", "from", *from, "to", *to, "error", err)
		os.Exit(1)
	}
}

// runBranch propagates one collection and prints a line per package.
func runBranch(ctx context.Context, svc *service.Service, out io.Writer, actor models.Actor, from, to string) error {
	report, err := svc.PropagateBranch(ctx, actor, from, to)
	if report != nil {
		for _, msg := range report.Messages() {
			fmt.Fprintln(out, msg)
		}
	}
	if err != nil {
		return err
	}
	slog.Info("branch complete", "run_id", report.RunID, "packages", len(report.Results), "failed", report.Failed())
	return nil
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// buildService wires the engine to the collaborators named in cfg.
func buildService(cfg *config.Config, db database.DB, reg prometheus.Registerer) (*service.Service, error) {
	policy := service.PolicyFromConfig(cfg.Policy)
	opts := service.Options{
		Notifier:   bugzilla.Nop{},
		Policy:     &policy,
		Logger:     slog.Default(),
		Registerer: reg,
	}

	switch cfg.Identity.Driver {
	case "static":
		groups := make([]identity.Group, 0, len(cfg.Identity.Groups))
		for _, g := range cfg.Identity.Groups {
			groups = append(groups, identity.Group{Name: g.Name, Type: g.Type})
		}
		opts.Identity = identity.NewStatic(cfg.Identity.Packagers, groups)
	case "fas":
		opts.Identity = identity.NewFASClient(cfg.Identity.URL, identity.FASOptions{
			Username:      cfg.Identity.Username,
			Password:      cfg.Identity.Password,
			PackagerGroup: cfg.Policy.PackagerGroup,
			CacheTTL:      config.Duration(cfg.Identity.CacheTTL, 5*time.Minute),
			Timeout:       config.Duration(cfg.Identity.Timeout, 10*time.Second),
		})
	default:
		return nil, fmt.Errorf("unsupported identity driver: %s", cfg.Identity.Driver)
	}

	if cfg.Bugzilla.URL != "" {
		opts.Notifier = bugzilla.NewClient(cfg.Bugzilla.URL, bugzilla.Options{
			APIKey:      cfg.Bugzilla.APIKey,
			EmailDomain: cfg.Bugzilla.EmailDomain,
			Timeout:     config.Duration(cfg.Bugzilla.Timeout, 10*time.Second),
		})
	}
	if cfg.RHEL.URL != "" {
		opts.RHEL = rhel.NewClient(cfg.RHEL.URL, config.Duration(cfg.RHEL.Timeout, 30*time.Second))
	}
	return service.New(db, opts), nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newMux(db pinger, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok\n")
	})
	mux.Handle("GET /metrics", metrics)
	return mux
}
