package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/siteproof/siteproof/pkg/api"
	"github.com/siteproof/siteproof/pkg/auth"
	"github.com/siteproof/siteproof/pkg/config"
	"github.com/siteproof/siteproof/pkg/export"
	"github.com/siteproof/siteproof/pkg/ledger"
	"github.com/siteproof/siteproof/pkg/printtoken"
	"github.com/siteproof/siteproof/pkg/report"
	"github.com/siteproof/siteproof/pkg/signature"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: siteproofd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server   Run the API server (default)")
	fmt.Fprintln(w, "  verify   Verify ledger integrity for an organization")
	fmt.Fprintln(w, "  help     Show this help")
}

type backend struct {
	ledger   *ledger.Ledger
	verifier *ledger.Verifier
	runs     *report.Service
	binder   *signature.Binder
	exporter *export.Exporter
	db       *sql.DB
	logger   *slog.Logger
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	var (
		db    *sql.DB
		store ledger.Store
		cps   ledger.CheckpointStore
		err   error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s, serr := ledger.NewSQLiteStore(ctx, db)
		if serr != nil {
			return nil, serr
		}
		store, cps = s, s
	default:
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s, serr := ledger.NewPostgresStore(ctx, db)
		if serr != nil {
			return nil, serr
		}
		store, cps = s, s
	}

	l := ledger.New(store, ledger.WithLogger(logger))
	verifier := ledger.NewVerifier(store,
		ledger.WithCheckpoints(cps),
		ledger.WithVerifierLogger(logger))

	runStore, err := report.NewSQLRunStore(ctx, db)
	if err != nil {
		return nil, err
	}
	sigStore, err := signature.NewSQLStore(ctx, db)
	if err != nil {
		return nil, err
	}

	// Role-gated signing: the caller must hold a role matching the slot
	// they sign, or be an admin.
	authz := auth.AuthorizerFunc(func(ctx context.Context, p auth.Principal, runID, role string) (bool, error) {
		return p.HasRole("admin") || p.HasRole(role) || p.HasRole("supervisor"), nil
	})

	jobs, err := report.NewSQLJobSource(ctx, db)
	if err != nil {
		return nil, err
	}
	runs := report.NewService(runStore, report.NewBuilder(jobs, l), l,
		report.WithServiceLogger(logger))
	binder := signature.NewBinder(sigStore, runs, authz, l, signature.WithLogger(logger))
	exporter := export.NewExporter(l, runs, binder)

	return &backend{
		ledger:   l,
		verifier: verifier,
		runs:     runs,
		binder:   binder,
		exporter: exporter,
		db:       db,
		logger:   logger,
	}, nil
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend init failed", "error", err)
		return 1
	}
	defer b.db.Close()

	tokens, err := printtoken.NewSigner([]byte(cfg.PrintTokenKey))
	if err != nil {
		logger.Error("print token signer init failed", "error", err)
		return 1
	}

	srv := api.NewServer(b.ledger, b.verifier, b.runs, b.binder, tokens, b.exporter,
		api.WithLogger(logger),
		api.WithTokenTTL(cfg.PrintTokenTTL),
		api.WithRateLimiter(api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.VerifyInterval > 0 {
		go verifySweep(ctx, b, cfg.VerifyInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("siteproofd listening", "port", cfg.Port, "driver", cfg.DatabaseDriver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
	}
	return 0
}

// verifySweep periodically re-verifies every organization's chain from its
// checkpoint, surfacing integrity failures in the logs long before an
// auditor asks.
func verifySweep(ctx context.Context, b *backend, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orgs, err := organizationIDs(ctx, b.db)
			if err != nil {
				b.logger.Error("verify sweep: list organizations", "error", err)
				continue
			}
			for _, orgID := range orgs {
				rep, err := b.verifier.Verify(ctx, orgID)
				if err != nil {
					b.logger.Error("verify sweep failed", "organization_id", orgID, "error", err)
					continue
				}
				if rep.Status == ledger.StatusError {
					b.logger.Error("ledger integrity failure",
						"organization_id", orgID,
						"failing_event_id", rep.ErrorDetails.FailingEventID,
						"event_index", rep.ErrorDetails.EventIndex)
				}
			}
		}
	}
}

func organizationIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT organization_id FROM ledger_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	orgID := fs.String("org", "", "organization to verify")
	full := fs.Bool("full", false, "ignore checkpoints and verify from genesis")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *orgID == "" {
		fmt.Fprintln(stderr, "verify: --org is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer b.db.Close()

	var rep ledger.VerifyReport
	if *full {
		rep, err = b.verifier.VerifyFromGenesis(ctx, *orgID)
	} else {
		rep, err = b.verifier.Verify(ctx, *orgID)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		fmt.Fprintf(stdout, "status:  %s\n", rep.Status)
		fmt.Fprintf(stdout, "checked: %d\n", rep.CheckedCount)
		if rep.ErrorDetails != nil {
			fmt.Fprintf(stdout, "failing: %s (index %d)\n",
				rep.ErrorDetails.FailingEventID, rep.ErrorDetails.EventIndex)
		}
	}
	if rep.Status == ledger.StatusError {
		return 1
	}
	return 0
}
