package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

type options struct {
	direction string
	steps     int
	dsn       string
}

// migrator: то, что cmd/migrate использует из postgres.Store.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	PendingMigrations(ctx context.Context) ([]string, error)
	Close() error
}

var openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: STOREFRONT_POSTGRES_DSN, POSTGRES_DSN)")
	if err := fs.Parse(args); err != nil {
		return options{}, errors.Wrap(err, "parse flags")
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, errors.Newf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, errors.New("steps must be >= 0")
	}
	if opts.dsn = resolveDSN(opts.dsn, getenv); opts.dsn == "" {
		return options{}, errors.New("POSTGRES_DSN (or -dsn) is required")
	}
	return opts, nil
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := openMigrator(ctx, opts.dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres store")
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return errors.Wrap(err, "migrate up")
		}
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return errors.Wrap(err, "migrate down")
		}
	}
	return printStatus(ctx, store, opts.direction, out)
}

func printStatus(ctx context.Context, store migrator, direction string, out io.Writer) error {
	version, applied, err := store.MigrationStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "migration status")
	}
	pending, err := store.PendingMigrations(ctx)
	if err != nil {
		return errors.Wrap(err, "pending migrations")
	}

	fmt.Fprintf(out, "%s ok: version=%d applied=%d pending=%d\n", direction, version, applied, len(pending))
	for _, name := range pending {
		fmt.Fprintf(out, "  pending: %s\n", name)
	}
	return nil
}

// resolveDSN берёт DSN из флага, затем из STOREFRONT_POSTGRES_DSN и POSTGRES_DSN.
func resolveDSN(flagValue string, getenv func(string) string) string {
	if dsn := strings.TrimSpace(flagValue); dsn != "" {
		return dsn
	}
	for _, key := range []string{"STOREFRONT_POSTGRES_DSN", "POSTGRES_DSN"} {
		if dsn := strings.TrimSpace(getenv(key)); dsn != "" {
			return dsn
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
