package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bluesky-social/cirrus/moderation"

	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var moderatorFlag = &cli.StringFlag{
	Name:     "by",
	Usage:    "did of the moderator or reporter",
	Required: true,
	EnvVars:  []string{"CIRRUS_MODERATOR_DID"},
}

var subjectFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "subject",
		Usage:    "did of a repo, or at-uri of a record",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "cid",
		Usage: "pin a record subject to this version",
	},
}

func subjectFromFlags(cctx *cli.Context) (moderation.Subject, error) {
	return moderation.ParseSubject(cctx.String("subject"), cctx.String("cid"))
}

var cmdModeration = &cli.Command{
	Name:    "moderation",
	Aliases: []string{"mod"},
	Usage:   "log moderation actions and reports",
	Subcommands: []*cli.Command{
		{
			Name:  "action",
			Usage: "log an action; takedowns hide the subject from every read",
			Flags: append([]cli.Flag{
				moderatorFlag,
				&cli.StringFlag{Name: "action", Usage: "acknowledge, flag or takedown", Required: true},
				&cli.StringFlag{Name: "reason", Required: true},
			}, subjectFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				kind, err := moderation.ParseActionKind(cctx.String("action"))
				if err != nil {
					return err
				}
				subj, err := subjectFromFlags(cctx)
				if err != nil {
					return err
				}
				act, err := s.mod.LogAction(cctx.Context, moderation.LogActionInput{
					Action:    kind,
					Subject:   subj,
					Reason:    cctx.String("reason"),
					CreatedBy: cctx.String("by"),
				})
				if err != nil {
					return err
				}
				return printJSON(act)
			}),
		},
		{
			Name:      "reverse",
			Usage:     "reverse an action, lifting its takedown",
			ArgsUsage: "<action-id>",
			Flags: []cli.Flag{
				moderatorFlag,
				&cli.StringFlag{Name: "reason", Required: true},
			},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				id, err := idArg(cctx, 0)
				if err != nil {
					return err
				}
				act, err := s.mod.LogReverseAction(cctx.Context, moderation.ReverseInput{
					ID:        id,
					Reason:    cctx.String("reason"),
					CreatedBy: cctx.String("by"),
				})
				if err != nil {
					return err
				}
				return printJSON(act)
			}),
		},
		{
			Name:  "report",
			Usage: "file a report against a repo or record",
			Flags: append([]cli.Flag{
				moderatorFlag,
				&cli.StringFlag{Name: "reason-type", Usage: "spam or other", Required: true},
				&cli.StringFlag{Name: "reason"},
			}, subjectFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				rt, err := moderation.ParseReasonType(cctx.String("reason-type"))
				if err != nil {
					return err
				}
				subj, err := subjectFromFlags(cctx)
				if err != nil {
					return err
				}
				rep, err := s.mod.Report(cctx.Context, moderation.ReportInput{
					ReasonType: rt,
					Reason:     cctx.String("reason"),
					Subject:    subj,
					ReportedBy: cctx.String("by"),
				})
				if err != nil {
					return err
				}
				return printJSON(rep)
			}),
		},
		{
			Name:      "resolve",
			Usage:     "mark reports as resolved by an action on the same subject",
			ArgsUsage: "<action-id> <report-id>...",
			Flags:     []cli.Flag{moderatorFlag},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				actionID, err := idArg(cctx, 0)
				if err != nil {
					return err
				}
				var reports []uint64
				for i := 1; i < cctx.NArg(); i++ {
					id, err := idArg(cctx, i)
					if err != nil {
						return err
					}
					reports = append(reports, id)
				}
				return s.mod.ResolveReports(cctx.Context, reports, actionID, cctx.String("by"), time.Time{})
			}),
		},
		{
			Name:  "actions",
			Usage: "list actions, newest first",
			Flags: append([]cli.Flag{&cli.StringFlag{Name: "subject"}}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p, err := s.mod.GetActions(cctx.Context, listParams(cctx))
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "reports",
			Usage: "list reports, newest first",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "subject"},
				&cli.BoolFlag{Name: "resolved", Usage: "only resolved reports, or with =false only open ones"},
			}, pageFlags...),
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				p := moderation.ReportListParams{ListParams: listParams(cctx)}
				if cctx.IsSet("resolved") {
					r := cctx.Bool("resolved")
					p.Resolved = &r
				}
				page, err := s.mod.GetReports(cctx.Context, p)
				if err != nil {
					return err
				}
				return printJSON(page)
			}),
		},
		{
			Name:      "show-action",
			ArgsUsage: "<action-id>",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "json"}},
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				id, err := idArg(cctx, 0)
				if err != nil {
					return err
				}
				v, err := s.mod.GetAction(cctx.Context, id)
				if err != nil {
					return err
				}
				if cctx.Bool("json") {
					return printJSON(v)
				}
				fmt.Print(actionTree(v).String())
				return nil
			}),
		},
		{
			Name:      "show-report",
			ArgsUsage: "<report-id>",
			Action: withStack(func(cctx *cli.Context, s *stack) error {
				id, err := idArg(cctx, 0)
				if err != nil {
					return err
				}
				v, err := s.mod.GetReport(cctx.Context, id)
				if err != nil {
					return err
				}
				return printJSON(v)
			}),
		},
	},
}

func listParams(cctx *cli.Context) moderation.ListParams {
	return moderation.ListParams{
		Subject: cctx.String("subject"),
		Limit:   cctx.Int("limit"),
		Before:  cctx.String("before"),
	}
}

func idArg(cctx *cli.Context, i int) (uint64, error) {
	s := cctx.Args().Get(i)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func actionTree(v *moderation.ActionView) treeprint.Tree {
	tree := treeprint.NewWithRoot(fmt.Sprintf("action %d: %s", v.ID, v.Action))
	subj := tree.AddBranch("subject")
	switch s := v.Subject.Subject.(type) {
	case moderation.RepoSubject:
		subj.AddNode("repo " + s.Repo)
	case moderation.RecordSubject:
		subj.AddNode("record " + s.Uri)
		if s.Cid != "" {
			subj.AddNode("cid " + s.Cid)
		}
	}
	tree.AddNode("reason: " + v.Reason)
	tree.AddNode(fmt.Sprintf("by %s at %s", v.CreatedBy, v.CreatedAt.Format(time.RFC3339)))
	if v.Reversal != nil {
		rev := tree.AddBranch("reversed")
		rev.AddNode("reason: " + v.Reversal.Reason)
		rev.AddNode(fmt.Sprintf("by %s at %s", v.Reversal.CreatedBy, v.Reversal.CreatedAt.Format(time.RFC3339)))
	}
	if len(v.ResolvedReportIds) > 0 {
		res := tree.AddBranch("resolved reports")
		for _, id := range v.ResolvedReportIds {
			res.AddNode(strconv.FormatUint(id, 10))
		}
	}
	return tree
}
