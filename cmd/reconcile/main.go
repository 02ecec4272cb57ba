package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
)

const defaultTimeout = 2 * time.Minute

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	var (
		repair     bool
		adminEmail string
		timeout    time.Duration
	)
	fs.BoolVar(&repair, "repair", false, "write missing orders and mark failed attempts (fallback: RECONCILE_AUTO_REPAIR)")
	fs.StringVar(&adminEmail, "issue-admin-token", "", "print an admin bearer token for the given email and exit")
	fs.DurationVar(&timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if adminEmail != "" {
		var auth app.AuthConfig
		if err := envconfig.Process("", &auth); err != nil {
			return errors.Wrap(err, "process auth config")
		}
		token, err := app.IssueToken(auth, adminEmail, httpapi.RoleAdmin)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, token)
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	app.ConfigureLogging(cfg.Log)
	// Отчёт идёт в stdout, логи не должны в него попадать.
	log.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := app.ReconcileOnce(ctx, cfg, repair, time.Now().UTC())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
