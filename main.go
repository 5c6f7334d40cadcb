package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/engine"
	"github.com/briangreenhill/refreshcache/fetch"
	"github.com/briangreenhill/refreshcache/internal/app"
	"github.com/briangreenhill/refreshcache/internal/config"
)

const version = "refreshcache v0.1.0"

func main() {
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: refreshcache <command> [arguments]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  get <path> [key=value...]      Load a resource through the cache")
	fmt.Fprintln(w, "  cached <path> [key=value...]   Print a resource only if a valid cached copy exists")
	fmt.Fprintln(w, "  refresh <path> [key=value...]  Fetch a resource live and update the cache")
	fmt.Fprintln(w, "  stats                          Summarize persisted records")
	fmt.Fprintln(w, "  cleanup [max-age]              Delete records expired longer than max-age (default 0)")
	fmt.Fprintln(w, "  purge                          Delete every persisted record")
	fmt.Fprintln(w, "  version                        Print the version")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  FETCH_BASE_URL      Base URL of the live source (required for get/cached/refresh)")
	fmt.Fprintln(w, "  FETCH_API_KEY       API key sent with every request (optional)")
	fmt.Fprintln(w, "  CACHE_BACKEND       file, sqlite, postgres, memory or memcached (default file)")
	fmt.Fprintln(w, "  CACHE_DIR           Directory of the file backend (default ~/.refreshcache)")
	fmt.Fprintln(w, "  RESOURCE_POLICY     NoCache, CacheThenRefresh, ValidCacheOnly, AutoRefresh or Forever")
	fmt.Fprintln(w, "  LOG_LEVEL           zerolog level written to stderr (default warn)")
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, version)
		return nil
	case "get", "cached", "refresh":
		id, err := resourceArgs(args[1:])
		if err != nil {
			return err
		}
		return withApp(ctx, func(a *app.App) error {
			return runResource(ctx, a, args[0], id, out)
		})
	case "stats":
		return withApp(ctx, func(a *app.App) error { return runStats(ctx, a.Store, out) })
	case "cleanup":
		maxAge := time.Duration(0)
		if len(args) > 1 {
			d, err := time.ParseDuration(args[1])
			if err != nil || d < 0 {
				return fmt.Errorf("invalid max-age %q", args[1])
			}
			maxAge = d
		}
		return withApp(ctx, func(a *app.App) error {
			removed, err := a.Manager.Cleanup(ctx, time.Now().Add(-maxAge))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %d expired records\n", removed)
			return nil
		})
	case "purge":
		return withApp(ctx, func(a *app.App) error {
			if err := a.Manager.DeleteCache(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "cache purged")
			return nil
		})
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// resourceArgs turns "<path> [key=value...]" into a resource id.
func resourceArgs(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return "", errors.New("a resource path is required")
	}
	params := make(map[string]string, len(args)-1)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("invalid parameter %q, want key=value", kv)
		}
		params[k] = v
	}
	return fetch.ResourceID(args[0], params), nil
}

func cliLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// withApp builds a synchronous cache for one command and closes it after.
func withApp(ctx context.Context, fn func(a *app.App) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, cliLogger(), engine.WithSynchronous(true))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(a)
}

func runResource(ctx context.Context, a *app.App, cmd, id string, out io.Writer) error {
	if a.Resource == nil {
		return errors.New("no live source is configured. Please set FETCH_BASE_URL")
	}
	kind := a.Resource.Kind()

	var (
		res *fetch.Resource
		err error
	)
	switch cmd {
	case "cached":
		var h *engine.Handle[fetch.Resource]
		h, err = kind.LoadFromCache(id)
		if err == nil {
			v := h.Snapshot()
			h.Release()
			res = &v
		}
	case "refresh":
		res, err = kind.Reload(ctx, id)
	default:
		res, err = kind.Get(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", cmd, id, err)
	}

	if _, err := out.Write(res.Body); err != nil {
		return err
	}
	if len(res.Body) > 0 && res.Body[len(res.Body)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

// runStats prints one row per persisted record name with the latest record.
func runStats(ctx context.Context, store *cache.Store, out io.Writer) error {
	items, err := store.List(ctx)
	if err != nil {
		return err
	}

	latest := make(map[string]cache.ItemInfo)
	var names []string
	for _, it := range items {
		cur, ok := latest[it.UniqueName]
		if !ok {
			names = append(names, it.UniqueName)
		}
		if !ok || it.UpdatedAt.After(cur.UpdatedAt) {
			latest[it.UniqueName] = it
		}
	}
	slices.Sort(names)

	now := time.Now()
	expired := 0
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUPDATED\tEXPIRES\tSTATE\tETAG")
	for _, name := range names {
		it := latest[name]
		state := "valid"
		if it.Expired(now) {
			state = "expired"
			expired++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
			it.UpdatedAt.Local().Format(time.DateTime), it.ExpiresAt.Local().Format(time.DateTime), state, it.ETag)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d records, %d names, %d expired\n", len(items), len(names), expired)
	return nil
}
