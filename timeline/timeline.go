package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/indexer"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("feedgen")

// FeedItem places a post, or a repost of one, in one user's timeline.
type FeedItem struct {
	ID      uint64 `gorm:"primaryKey"`
	Owner   string `gorm:"not null;uniqueIndex:idx_feed_owner_item,priority:1;index:idx_feed_owner_sort,priority:1"`
	ItemUri string `gorm:"not null;uniqueIndex:idx_feed_owner_item,priority:2;index"`
	PostUri string `gorm:"not null"`
	Author  string `gorm:"not null;index"`
	// SortAt is the item's observed time in unix microseconds.
	SortAt int64 `gorm:"not null;index:idx_feed_owner_sort,priority:2"`
}

type Config struct {
	// Backfill is how many recent posts a new follow copies into the follower's
	// timeline.
	Backfill int
}

func DefaultConfig() *Config {
	return &Config{Backfill: 50}
}

// FeedGenerator fans committed posts and reposts out to the timelines of the author's
// followers, and serves those timelines back.
type FeedGenerator struct {
	db     *gorm.DB
	config Config
	log    *slog.Logger
}

func NewFeedGenerator(db *gorm.DB, config *Config) (*FeedGenerator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := db.AutoMigrate(&FeedItem{}); err != nil {
		return nil, err
	}
	return &FeedGenerator{
		db:     db,
		config: *config,
		log:    slog.Default().With("system", "feedgen"),
	}, nil
}

// HandleEvent is the outbox consumer. Items are keyed by owner and record uri, so
// redelivery inserts nothing new.
func (fg *FeedGenerator) HandleEvent(ctx context.Context, evt *events.IndexEvent) error {
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	return fg.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range evt.Ops {
			if err := fg.handleOp(tx, evt, &evt.Ops[i]); err != nil {
				return fmt.Errorf("fanning out %s: %w", evt.Ops[i].Uri(evt.Did), err)
			}
		}
		return nil
	})
}

func (fg *FeedGenerator) handleOp(tx *gorm.DB, evt *events.IndexEvent, op *events.Op) error {
	uri := op.Uri(evt.Did)
	action := repo.Action(op.Action)

	switch op.Collection {
	case lexicons.PostNSID:
		switch action {
		case repo.ActionCreate:
			return fg.fanOut(tx, evt, uri, uri)
		case repo.ActionDelete:
			return tx.Where("item_uri = ?", uri).Delete(&FeedItem{}).Error
		}

	case lexicons.RepostNSID:
		switch action {
		case repo.ActionCreate:
			var s lexicons.Subjected
			if err := op.DecodeRecord(&s); err != nil {
				return err
			}
			return fg.fanOut(tx, evt, uri, s.Subject.Uri)
		case repo.ActionDelete:
			return tx.Where("item_uri = ?", uri).Delete(&FeedItem{}).Error
		}

	case lexicons.FollowNSID:
		var f lexicons.Follow
		if err := op.DecodeRecord(&f); err != nil {
			return err
		}
		switch action {
		case repo.ActionCreate:
			return fg.backfill(tx, evt.Did, f.Subject)
		case repo.ActionDelete:
			return fg.unfollow(tx, evt.Did, f.Subject)
		}
	}
	return nil
}

// fanOut gives every current follower of the author, and the author, an item.
func (fg *FeedGenerator) fanOut(tx *gorm.DB, evt *events.IndexEvent, itemUri, postUri string) error {
	var owners []string
	if err := tx.Model(&models.Follow{}).Where("subject_did = ?", evt.Did).Distinct().Pluck("creator", &owners).Error; err != nil {
		return err
	}
	owners = append(owners, evt.Did)

	items := make([]FeedItem, 0, len(owners))
	for _, o := range owners {
		items = append(items, FeedItem{
			Owner:   o,
			ItemUri: itemUri,
			PostUri: postUri,
			Author:  evt.Did,
			SortAt:  evt.ObservedAt.UnixMicro(),
		})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&items, 500).Error; err != nil {
		return err
	}
	itemsFannedOut.Add(float64(len(items)))
	return nil
}

func (fg *FeedGenerator) backfill(tx *gorm.DB, owner, subject string) error {
	if fg.config.Backfill <= 0 {
		return nil
	}
	var posts []models.Post
	if err := tx.Where("creator = ?", subject).Order("uri DESC").Limit(fg.config.Backfill).Find(&posts).Error; err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}
	items := make([]FeedItem, 0, len(posts))
	for _, p := range posts {
		items = append(items, FeedItem{
			Owner:   owner,
			ItemUri: p.Uri,
			PostUri: p.Uri,
			Author:  subject,
			SortAt:  p.IndexedAt.UnixMicro(),
		})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&items).Error
}

// unfollow drops the subject's items from owner's timeline, unless owner still follows
// the subject through another follow record.
func (fg *FeedGenerator) unfollow(tx *gorm.DB, owner, subject string) error {
	if owner == subject {
		return nil
	}
	var n int64
	if err := tx.Model(&models.Follow{}).Where("creator = ? AND subject_did = ?", owner, subject).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return tx.Where("owner = ? AND author = ?", owner, subject).Delete(&FeedItem{}).Error
}

// TimelineItem is a post in a timeline. RepostUri is set when the item is a repost, and
// Author is then the reposter.
type TimelineItem struct {
	indexer.PostView
	ItemID    uint64 `json:"-"`
	ItemSort  int64  `json:"-"`
	Author    string `json:"by"`
	RepostUri string `json:"repostUri,omitempty"`
}

// GetTimeline pages through a user's timeline, newest first. Items whose post, reposter
// or either owning repo is taken down are skipped.
func (fg *FeedGenerator) GetTimeline(ctx context.Context, did string, limit int, before string) (*models.Page[*TimelineItem], error) {
	ctx, span := tracer.Start(ctx, "GetTimeline")
	defer span.End()

	limit = models.ClampLimit(limit)
	q := indexer.PostViews(fg.db.WithContext(ctx),
		"feed_items.id AS item_id",
		"feed_items.sort_at AS item_sort",
		"feed_items.author AS author",
		"CASE WHEN feed_items.item_uri = feed_items.post_uri THEN '' ELSE feed_items.item_uri END AS repost_uri",
	).
		Joins("JOIN feed_items ON feed_items.post_uri = posts.uri").
		Scopes(models.RecordVisible("feed_items.author", "feed_items.item_uri")).
		Where("feed_items.owner = ?", did)

	if before != "" {
		sortAt, id, err := parseCursor(before)
		if err != nil {
			return nil, err
		}
		q = q.Where("(feed_items.sort_at < ? OR (feed_items.sort_at = ? AND feed_items.id < ?))", sortAt, sortAt, id)
	}

	var items []*TimelineItem
	if err := q.Order("feed_items.sort_at DESC, feed_items.id DESC").Limit(limit).Scan(&items).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*TimelineItem]{Items: items}
	if page.Items == nil {
		page.Items = []*TimelineItem{}
	}
	if len(items) == limit {
		last := items[len(items)-1]
		page.Cursor = fmt.Sprintf("%d::%d", last.ItemSort, last.ItemID)
	}
	return page, nil
}

func parseCursor(c string) (int64, uint64, error) {
	sortPart, idPart, ok := strings.Cut(c, "::")
	if !ok {
		return 0, 0, xrpcerr.MalformedCursor(c)
	}
	sortAt, err := strconv.ParseInt(sortPart, 10, 64)
	if err != nil {
		return 0, 0, xrpcerr.MalformedCursor(c)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, 0, xrpcerr.MalformedCursor(c)
	}
	return sortAt, id, nil
}

// ResetIndexes empties every timeline ahead of a full reindex.
func (fg *FeedGenerator) ResetIndexes(ctx context.Context) error {
	return fg.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&FeedItem{}).Error
}

// ResetRepo drops the items did authored ahead of replaying it.
func (fg *FeedGenerator) ResetRepo(ctx context.Context, did string) error {
	return fg.db.WithContext(ctx).Where("author = ?", did).Delete(&FeedItem{}).Error
}
