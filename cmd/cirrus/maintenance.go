package main

import (
	"fmt"
	"time"

	"github.com/bluesky-social/cirrus/fakedata"

	"github.com/araddon/dateparse"
	"github.com/urfave/cli/v2"
)

var cmdReindex = &cli.Command{
	Name:  "reindex",
	Usage: "rebuild read-models from repository history (stop writers first)",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "only rebuild the rows of this did",
		},
	},
	Action: withStack(func(cctx *cli.Context, s *stack) error {
		if did := cctx.String("repo"); did != "" {
			s.log.Info("reindexing repo", "did", did)
			return s.rm.ReindexRepo(cctx.Context, did)
		}
		s.log.Info("reindexing all repos")
		return s.rm.Reindex(cctx.Context)
	}),
}

var cmdPrune = &cli.Command{
	Name:  "prune",
	Usage: "delete outbox events every consumer has handled",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "before",
			Usage: "only prune events created before this time (eg: 2024-01-02, \"Jan 2 2024 15:04\")",
		},
		&cli.DurationFlag{
			Name:  "older-than",
			Usage: "only prune events older than this",
			Value: 72 * time.Hour,
		},
	},
	Action: withStack(func(cctx *cli.Context, s *stack) error {
		cutoff, err := cutoffFlag(cctx)
		if err != nil {
			return err
		}
		n, err := s.outbox.Prune(cctx.Context, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d events created before %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	}),
}

// cutoffFlag reads --before in any common date layout, falling back to --older-than.
func cutoffFlag(cctx *cli.Context) (time.Time, error) {
	if b := cctx.String("before"); b != "" {
		t, err := dateparse.ParseIn(b, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing --before: %w", err)
		}
		return t, nil
	}
	return time.Now().Add(-cctx.Duration("older-than")), nil
}

var cmdFakedata = &cli.Command{
	Name:  "fakedata",
	Usage: "populate repos with generated accounts, posts and interactions",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "regulars", Value: 20},
		&cli.IntFlag{Name: "celebs", Value: 2},
		&cli.IntFlag{Name: "max-posts", Value: 10},
		&cli.IntFlag{Name: "max-follows", Value: 5},
		&cli.Float64Flag{Name: "frac-like", Value: 0.1},
		&cli.Float64Flag{Name: "frac-repost", Value: 0.02},
		&cli.Float64Flag{Name: "frac-reply", Value: 0.02},
		&cli.Int64Flag{Name: "seed", Value: 1},
	},
	Action: withStack(func(cctx *cli.Context, s *stack) error {
		cfg := &fakedata.Config{
			Regulars:   cctx.Int("regulars"),
			Celebs:     cctx.Int("celebs"),
			MaxPosts:   cctx.Int("max-posts"),
			MaxFollows: cctx.Int("max-follows"),
			FracLike:   cctx.Float64("frac-like"),
			FracRepost: cctx.Float64("frac-repost"),
			FracReply:  cctx.Float64("frac-reply"),
			Seed:       cctx.Int64("seed"),
		}
		sum, err := fakedata.NewGenerator(s.rm, cfg).Run(cctx.Context)
		if err != nil {
			return err
		}
		if err := s.outbox.ProcessAll(cctx.Context); err != nil {
			return err
		}
		return printJSON(sum)
	}),
}
