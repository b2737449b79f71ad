package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
)

var didFlag = &cli.StringFlag{
	Name:     "did",
	Usage:    "repo owner",
	Required: true,
}

var pageFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "limit",
		Value: 50,
	},
	&cli.StringFlag{
		Name:  "before",
		Usage: "cursor returned by the previous page",
	},
}

var cmdRecord = &cli.Command{
	Name:  "record",
	Usage: "write records through the live write path",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			ArgsUsage: "<collection> [<record.json>|-]",
			Flags: []cli.Flag{
				didFlag,
				&cli.StringFlag{Name: "rkey", Usage: "record key; a TID is minted if not set"},
			},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				rec, err := readRecord(cctx.Args().Get(1))
				if err != nil {
					return err
				}
				uri, c, err := s.rm.CreateRecord(cctx.Context, cctx.String("did"), cctx.Args().First(), cctx.String("rkey"), rec)
				if err != nil {
					return err
				}
				return printRef(uri, c)
			}),
		},
		{
			Name:      "put",
			ArgsUsage: "<collection> <rkey> [<record.json>|-]",
			Flags:     []cli.Flag{didFlag},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				rec, err := readRecord(cctx.Args().Get(2))
				if err != nil {
					return err
				}
				uri, c, err := s.rm.PutRecord(cctx.Context, cctx.String("did"), cctx.Args().Get(0), cctx.Args().Get(1), rec)
				if err != nil {
					return err
				}
				return printRef(uri, c)
			}),
		},
		{
			Name:      "delete",
			ArgsUsage: "<collection> <rkey>",
			Flags:     []cli.Flag{didFlag},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				return s.rm.DeleteRecord(cctx.Context, cctx.String("did"), cctx.Args().Get(0), cctx.Args().Get(1))
			}),
		},
	},
}

var cmdRead = &cli.Command{
	Name:  "read",
	Usage: "query the read-models, with takedowns applied",
	Subcommands: []*cli.Command{
		{
			Name:      "record",
			ArgsUsage: "<at-uri>",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "cid"}},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				v, err := s.ix.GetRecord(cctx.Context, cctx.Args().First(), cctx.String("cid"))
				if err != nil {
					return err
				}
				return printJSON(v)
			}),
		},
		{
			Name:      "records",
			ArgsUsage: "<collection>",
			Flags:     append([]cli.Flag{didFlag}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p, err := s.ix.ListRecords(cctx.Context, cctx.String("did"), cctx.Args().First(), cctx.Int("limit"), cctx.String("before"))
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "profile",
			Flags: []cli.Flag{didFlag},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				v, err := s.ix.GetProfile(cctx.Context, cctx.String("did"))
				if err != nil {
					return err
				}
				return printJSON(v)
			}),
		},
		{
			Name:  "author-feed",
			Flags: append([]cli.Flag{didFlag}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p, err := s.ix.GetAuthorFeed(cctx.Context, cctx.String("did"), cctx.Int("limit"), cctx.String("before"))
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "followers",
			Flags: append([]cli.Flag{didFlag}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p, err := s.ix.GetFollowers(cctx.Context, cctx.String("did"), cctx.Int("limit"), cctx.String("before"))
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "timeline",
			Flags: append([]cli.Flag{didFlag}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p, err := s.feedgen.GetTimeline(cctx.Context, cctx.String("did"), cctx.Int("limit"), cctx.String("before"))
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name: "notifications",
			Flags: append([]cli.Flag{
				didFlag,
				&cli.BoolFlag{Name: "mark-seen", Usage: "mark everything up to now as read"},
			}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				did := cctx.String("did")
				p, err := s.notifs.GetNotifications(cctx.Context, did, cctx.Int("limit"), cctx.String("before"))
				if err != nil {
					return err
				}
				if err := printJSON(p); err != nil {
					return err
				}
				if cctx.Bool("mark-seen") {
					return s.notifs.UpdateSeen(cctx.Context, did, time.Now())
				}
				return nil
			}),
		},
	},
}

var cmdBlob = &cli.Command{
	Name:  "blob",
	Usage: "upload, fetch and collect blobs",
	Subcommands: []*cli.Command{
		{
			Name:      "upload",
			Usage:     "store a temp blob and print the ref a record should embed",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				didFlag,
				&cli.StringFlag{Name: "mime-type", Value: "application/octet-stream"},
			},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				if err := s.requireDurableBlobs(); err != nil {
					return err
				}
				data, err := os.ReadFile(cctx.Args().First())
				if err != nil {
					return err
				}
				ref, err := s.blobs.UploadBlob(cctx.Context, cctx.String("did"), cctx.String("mime-type"), data)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"$type":    "blob",
					"ref":      map[string]string{"$link": ref.Cid.String()},
					"mimeType": ref.MimeType,
					"size":     ref.Size,
				})
			}),
		},
		{
			Name:      "get",
			Usage:     "write a permanent blob to stdout",
			ArgsUsage: "<cid>",
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				if err := s.requireDurableBlobs(); err != nil {
					return err
				}
				c, err := cid.Decode(cctx.Args().First())
				if err != nil {
					return err
				}
				r, err := s.blobs.Store().GetStream(cctx.Context, c)
				if err != nil {
					return err
				}
				defer r.Close()
				_, err = io.Copy(os.Stdout, r)
				return err
			}),
		},
		{
			Name:  "gc",
			Usage: "delete blobs no record references",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "grace",
					Usage: "keep blobs uploaded more recently than this",
					Value: time.Hour,
				},
			},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				n, err := s.blobs.GC(cctx.Context, time.Now().Add(-cctx.Duration("grace")))
				if err != nil {
					return err
				}
				fmt.Printf("collected %d blobs\n", n)
				return nil
			}),
		},
	},
}

// readRecord decodes record JSON from a file, or stdin when path is "" or "-".
func readRecord(path string) (map[string]any, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var rec map[string]any
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func printRef(uri string, c cid.Cid) error {
	return printJSON(map[string]string{"uri": uri, "cid": c.String()})
}
