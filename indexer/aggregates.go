package indexer

import (
	"context"
	"fmt"
	"slices"

	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Aggregator keeps post_aggs in step with likes, reposts and replies. It recounts the
// affected posts from the projection tables on every event, so redelivery is harmless.
// Counts include interactions from taken-down repos and records: moderation does not
// emit events, so a filtered count would drift until the post was next touched.
type Aggregator struct {
	db *gorm.DB
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

func (a *Aggregator) HandleEvent(ctx context.Context, evt *events.IndexEvent) error {
	ctx, span := tracer.Start(ctx, "Aggregator.HandleEvent")
	defer span.End()

	var uris []string
	for i := range evt.Ops {
		op := &evt.Ops[i]
		if len(op.Record) == 0 {
			continue
		}
		switch op.Collection {
		case lexicons.LikeNSID, lexicons.RepostNSID:
			var s lexicons.Subjected
			if err := op.DecodeRecord(&s); err != nil {
				return fmt.Errorf("decoding %s: %w", op.Uri(evt.Did), err)
			}
			uris = append(uris, s.Subject.Uri)
		case lexicons.PostNSID:
			var p lexicons.Post
			if err := op.DecodeRecord(&p); err != nil {
				return fmt.Errorf("decoding %s: %w", op.Uri(evt.Did), err)
			}
			if p.Reply != nil {
				uris = append(uris, p.Reply.Parent.Uri)
			}
		}
	}
	if len(uris) == 0 {
		return nil
	}
	slices.Sort(uris)
	uris = slices.Compact(uris)

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, uri := range uris {
			if err := recount(tx, uri); err != nil {
				return err
			}
		}
		return nil
	})
}

func recount(tx *gorm.DB, uri string) error {
	agg := models.PostAgg{Uri: uri}
	if err := tx.Model(&models.Like{}).Where("subject_uri = ?", uri).Count(&agg.LikeCount).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Repost{}).Where("subject_uri = ?", uri).Count(&agg.RepostCount).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Post{}).Where("reply_parent = ?", uri).Count(&agg.ReplyCount).Error; err != nil {
		return err
	}
	aggsRecounted.Inc()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"like_count", "repost_count", "reply_count"}),
	}).Create(&agg).Error
}
