// Command datasetauthctl is the operator CLI. It runs as a trusted
// execution context and may therefore draw machine-to-machine tokens.
//
// Usage:
//
//	datasetauthctl token
//	datasetauthctl users [-id ID] [-refresh]
//	datasetauthctl datasets [-managed] USER_TOKEN
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/datasets"
	"github.com/ggoodman/datasetauth/internal/app"
	"github.com/ggoodman/datasetauth/internal/config"
)

var errUsage = errors.New("usage: datasetauthctl {token|users|datasets} [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "datasetauthctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Log.Format = "text"
	log, err := app.NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	store, err := app.NewStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx = auth.WithExecution(ctx, auth.ExecCLI)
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return runToken(ctx, cfg, store, log, stdout)
	case "users":
		return runUsers(ctx, cfg, store, log, rest, stdout, stderr)
	case "datasets":
		return runDatasets(ctx, cfg, log, rest, stdout, stderr)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runToken(ctx context.Context, cfg *config.Config, store *app.Storage, log *slog.Logger, stdout io.Writer) error {
	src, err := app.NewM2M(cfg, store, nil, log)
	if err != nil {
		return err
	}
	tok, err := src.Token(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func runUsers(ctx context.Context, cfg *config.Config, store *app.Storage, log *slog.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("users", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "fetch a single user")
	refresh := fs.Bool("refresh", false, "drop cached entries before reading")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	src, err := app.NewM2M(cfg, store, nil, log)
	if err != nil {
		return err
	}
	repo, err := app.NewUsers(cfg, src, store, nil, log)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	if *id != "" {
		if *refresh {
			if err := repo.Invalidate(ctx, *id); err != nil {
				return err
			}
		}
		u, err := repo.Get(ctx, *id)
		if err != nil {
			return err
		}
		return enc.Encode(u)
	}

	if *refresh {
		if err := repo.InvalidateAll(ctx); err != nil {
			return err
		}
	}
	all, err := repo.All(ctx)
	if err != nil {
		return err
	}
	for _, u := range all {
		if err := enc.Encode(u); err != nil {
			return err
		}
	}
	return nil
}

func runDatasets(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("datasets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	managed := fs.Bool("managed", false, "only list managed datasets")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: datasets takes exactly one user access token", errUsage)
	}
	if cfg.Datasets.APIURL == "" {
		return fmt.Errorf("%w: set DATASETS_API_URL", app.ErrDisabled)
	}
	lister, err := datasets.NewHTTPLister(cfg.Datasets.APIURL, datasets.WithListerLogger(log))
	if err != nil {
		return err
	}
	list, err := lister.List(ctx, fs.Arg(0), *managed)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMANAGED")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", d.ID, d.Name, d.Managed)
	}
	return tw.Flush()
}
