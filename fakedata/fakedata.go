// Package fakedata populates repos with plausible social activity through the live
// write path, for load testing and local development.
package fakedata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/repomgr"

	"github.com/brianvoe/gofakeit/v6"
)

type Config struct {
	Regulars int
	// Celebs get twice the posts and are followed by everyone.
	Celebs     int
	MaxPosts   int
	MaxFollows int
	// Fractions of (account, post) pairs that produce an interaction.
	FracLike   float64
	FracRepost float64
	FracReply  float64
	Seed       int64
}

func DefaultConfig() *Config {
	return &Config{
		Regulars:   20,
		Celebs:     2,
		MaxPosts:   10,
		MaxFollows: 5,
		FracLike:   0.1,
		FracRepost: 0.02,
		FracReply:  0.02,
		Seed:       1,
	}
}

type Account struct {
	Did         string
	DisplayName string
	Celebrity   bool
}

type postRef struct {
	uri, cid string
}

type Summary struct {
	Accounts int
	Posts    int
	Follows  int
	Likes    int
	Reposts  int
	Replies  int
}

type Generator struct {
	rm     *repomgr.RepoManager
	config Config
	faker  *gofakeit.Faker
	log    *slog.Logger
	now    func() time.Time
}

func NewGenerator(rm *repomgr.RepoManager, config *Config) *Generator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Generator{
		rm:     rm,
		config: *config,
		faker:  gofakeit.New(config.Seed),
		log:    slog.Default().With("system", "fakedata"),
		now:    time.Now,
	}
}

func (g *Generator) createdAt() string {
	return g.now().UTC().Format(time.RFC3339)
}

func (g *Generator) pick(frac float64) bool {
	return frac > 0 && g.faker.Float64() < frac
}

func measureIterations(log *slog.Logger, name string, count int) func() {
	if count == 0 {
		return func() {}
	}
	start := time.Now()
	return func() {
		total := time.Since(start)
		log.Info("wall runtime", "phase", name, "count", count, "total", total, "mean", total/time.Duration(count))
	}
}

// Run creates accounts with profiles, then posts, follows, and interactions on the
// posts of followed accounts.
func (g *Generator) Run(ctx context.Context) (*Summary, error) {
	var sum Summary

	accounts := make([]Account, 0, g.config.Regulars+g.config.Celebs)
	for i := 0; i < g.config.Celebs+g.config.Regulars; i++ {
		acc := Account{
			Did:         fmt.Sprintf("did:example:fake-%d-%s", i, strings.ToLower(g.faker.Username())),
			DisplayName: g.faker.Name(),
			Celebrity:   i < g.config.Celebs,
		}
		if err := g.genProfile(ctx, &acc); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	sum.Accounts = len(accounts)

	posts := make(map[string][]postRef)
	done := measureIterations(g.log, "posts", len(accounts))
	for _, acc := range accounts {
		refs, err := g.genPosts(ctx, &acc)
		if err != nil {
			return nil, err
		}
		posts[acc.Did] = refs
		sum.Posts += len(refs)
	}
	done()

	done = measureIterations(g.log, "follows and interactions", len(accounts))
	for _, acc := range accounts {
		followed, err := g.genFollows(ctx, &acc, accounts)
		if err != nil {
			return nil, err
		}
		sum.Follows += len(followed)
		for _, tgt := range followed {
			if err := g.genInteractions(ctx, &acc, posts[tgt], &sum); err != nil {
				return nil, err
			}
		}
	}
	done()

	return &sum, nil
}

func (g *Generator) genProfile(ctx context.Context, acc *Account) error {
	desc := g.faker.HipsterSentence(12)
	if acc.Celebrity {
		desc = "✨ " + desc
	}
	_, _, err := g.rm.PutRecord(ctx, acc.Did, lexicons.ProfileNSID, "self", map[string]any{
		"displayName": acc.DisplayName,
		"description": desc,
	})
	return err
}

func (g *Generator) genPosts(ctx context.Context, acc *Account) ([]postRef, error) {
	if g.config.MaxPosts <= 0 {
		return nil, nil
	}
	count := g.faker.Number(0, g.config.MaxPosts)
	if acc.Celebrity {
		count *= 2
	}
	refs := make([]postRef, 0, count)
	for i := 0; i < count; i++ {
		uri, c, err := g.rm.CreateRecord(ctx, acc.Did, lexicons.PostNSID, "", map[string]any{
			"text":      g.text(),
			"createdAt": g.createdAt(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating post for %s: %w", acc.Did, err)
		}
		refs = append(refs, postRef{uri: uri, cid: c.String()})
	}
	return refs, nil
}

// genFollows follows every celebrity plus up to MaxFollows random regulars, and returns
// the followed dids.
func (g *Generator) genFollows(ctx context.Context, acc *Account, accounts []Account) ([]string, error) {
	seen := map[string]bool{acc.Did: true}
	var targets []string
	for _, tgt := range accounts {
		if tgt.Celebrity && !seen[tgt.Did] {
			seen[tgt.Did] = true
			targets = append(targets, tgt.Did)
		}
	}
	if g.config.MaxFollows > 0 {
		for n := g.faker.Number(0, g.config.MaxFollows); n > 0; n-- {
			tgt := accounts[g.faker.Number(0, len(accounts)-1)]
			if seen[tgt.Did] {
				continue
			}
			seen[tgt.Did] = true
			targets = append(targets, tgt.Did)
		}
	}

	for _, did := range targets {
		_, _, err := g.rm.CreateRecord(ctx, acc.Did, lexicons.FollowNSID, "", map[string]any{
			"subject":   did,
			"createdAt": g.createdAt(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating follow for %s: %w", acc.Did, err)
		}
	}
	return targets, nil
}

func (g *Generator) genInteractions(ctx context.Context, acc *Account, posts []postRef, sum *Summary) error {
	for _, p := range posts {
		ref := map[string]any{"uri": p.uri, "cid": p.cid}
		if g.pick(g.config.FracLike) {
			if _, _, err := g.rm.CreateRecord(ctx, acc.Did, lexicons.LikeNSID, "", map[string]any{
				"subject":   ref,
				"createdAt": g.createdAt(),
			}); err != nil {
				return err
			}
			sum.Likes++
		}
		if g.pick(g.config.FracRepost) {
			if _, _, err := g.rm.CreateRecord(ctx, acc.Did, lexicons.RepostNSID, "", map[string]any{
				"subject":   ref,
				"createdAt": g.createdAt(),
			}); err != nil {
				return err
			}
			sum.Reposts++
		}
		if g.pick(g.config.FracReply) {
			if _, _, err := g.rm.CreateRecord(ctx, acc.Did, lexicons.PostNSID, "", map[string]any{
				"text":      g.text(),
				"createdAt": g.createdAt(),
				"reply":     map[string]any{"root": ref, "parent": ref},
			}); err != nil {
				return err
			}
			sum.Replies++
		}
	}
	return nil
}

func (g *Generator) text() string {
	text := g.faker.Sentence(10)
	if len(text) > 200 {
		text = text[0:200]
	}
	return text
}
