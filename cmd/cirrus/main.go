package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/bluesky-social/cirrus/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "cirrus",
		Usage:   "repository write path, read-model indexer and moderation service",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/cirrus/cirrus.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-conn",
			Usage:   "limit on size of database connection pool",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			Usage:   "emit a trace span for every database query",
			EnvVars: []string{"CIRRUS_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "hold blob uploads in redis instead of process memory (redis://host:port/db)",
			EnvVars: []string{"CIRRUS_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "blob-dir",
			Usage:   "local folder for uploads and permanent blobs; empty keeps blobs in memory",
			Value:   "data/cirrus/blobs",
			EnvVars: []string{"CIRRUS_BLOB_DIR"},
		},
		&cli.DurationFlag{
			Name:    "blob-temp-ttl",
			Usage:   "how long an unreferenced upload is kept (0 keeps it until blob gc)",
			Value:   time.Hour,
			EnvVars: []string{"CIRRUS_BLOB_TEMP_TTL"},
		},
		&cli.IntFlag{
			Name:    "blob-cache-size",
			Usage:   "number of permanent blobs cached in memory (0 to disable)",
			Value:   128,
			EnvVars: []string{"CIRRUS_BLOB_CACHE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "outbox-concurrency",
			Usage:   "number of repos delivered in parallel per outbox consumer",
			Value:   8,
			EnvVars: []string{"CIRRUS_OUTBOX_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "reindex-concurrency",
			Usage:   "number of repos replayed in parallel by a reindex",
			Value:   4,
			EnvVars: []string{"CIRRUS_REINDEX_CONCURRENCY"},
		},
		&cli.Float64Flag{
			Name:    "reindex-rate",
			Usage:   "max commits replayed per second by a reindex (0 for unlimited)",
			EnvVars: []string{"CIRRUS_REINDEX_RATE"},
		},
		&cli.IntFlag{
			Name:    "timeline-backfill",
			Usage:   "recent posts copied into a timeline when a follow is created",
			Value:   50,
			EnvVars: []string{"CIRRUS_TIMELINE_BACKFILL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"CIRRUS_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			EnvVars: []string{"CIRRUS_LOG_FMT", "LOG_FORMAT"},
		},
	}
	app.Commands = []*cli.Command{
		cmdServe,
		cmdReindex,
		cmdRecord,
		cmdRead,
		cmdBlob,
		cmdPrune,
		cmdFakedata,
		cmdModeration,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) (*slog.Logger, error) {
	return cliutil.SetupSlog(writer, cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

// withStack opens the full stack for a one-shot command. Logs go to stderr so stdout
// carries only command output.
func withStack(fn func(cctx *cli.Context, s *stack) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		logger, err := configLogger(cctx, os.Stderr)
		if err != nil {
			return err
		}
		shutdown, err := configOTEL("cirrus")
		if err != nil {
			return err
		}
		defer shutdown()

		s, err := openStack(cctx, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cctx, s)
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
