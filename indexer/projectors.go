package indexer

import (
	"context"

	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// tableProjector maps records of one collection onto rows of T, keyed by uri. build may
// return nil to skip a record.
type tableProjector[T any] struct {
	build func(rec *IndexedRecord) (*T, error)
}

func (p *tableProjector[T]) Insert(ctx context.Context, tx *gorm.DB, rec *IndexedRecord) error {
	row, err := p.build(rec)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (p *tableProjector[T]) Delete(ctx context.Context, tx *gorm.DB, uri string) error {
	return tx.WithContext(ctx).Where("uri = ?", uri).Delete(new(T)).Error
}

func decoded[R, T any](conv func(rec *IndexedRecord, v *R) *T) *tableProjector[T] {
	return &tableProjector[T]{
		build: func(rec *IndexedRecord) (*T, error) {
			var v R
			if err := lexicons.Decode(rec.Record, &v); err != nil {
				return nil, err
			}
			return conv(rec, &v), nil
		},
	}
}

func defaultProjectors() map[string]Projector {
	return map[string]Projector{
		lexicons.ProfileNSID: decoded(func(rec *IndexedRecord, p *lexicons.Profile) *models.Profile {
			// only the self record is the actor's profile
			if rec.Rkey != "self" {
				return nil
			}
			row := &models.Profile{
				Uri:         rec.Uri(),
				Cid:         rec.Cid,
				Creator:     rec.Did,
				DisplayName: p.DisplayName,
				Description: p.Description,
				IndexedAt:   rec.IndexedAt,
			}
			if p.Avatar != nil {
				s := p.Avatar.Ref.String()
				row.AvatarCid = &s
			}
			return row
		}),
		lexicons.PostNSID: decoded(func(rec *IndexedRecord, p *lexicons.Post) *models.Post {
			row := &models.Post{
				Uri:       rec.Uri(),
				Cid:       rec.Cid,
				Creator:   rec.Did,
				Text:      p.Text,
				CreatedAt: p.CreatedAt,
				IndexedAt: rec.IndexedAt,
			}
			if p.Reply != nil {
				row.ReplyRoot = &p.Reply.Root.Uri
				row.ReplyParent = &p.Reply.Parent.Uri
			}
			return row
		}),
		lexicons.FollowNSID: decoded(func(rec *IndexedRecord, f *lexicons.Follow) *models.Follow {
			return &models.Follow{
				Uri:        rec.Uri(),
				Cid:        rec.Cid,
				Creator:    rec.Did,
				SubjectDid: f.Subject,
				CreatedAt:  f.CreatedAt,
				IndexedAt:  rec.IndexedAt,
			}
		}),
		lexicons.LikeNSID: decoded(func(rec *IndexedRecord, l *lexicons.Subjected) *models.Like {
			return &models.Like{
				Uri:        rec.Uri(),
				Cid:        rec.Cid,
				Creator:    rec.Did,
				SubjectUri: l.Subject.Uri,
				SubjectCid: l.Subject.Cid,
				CreatedAt:  l.CreatedAt,
				IndexedAt:  rec.IndexedAt,
			}
		}),
		lexicons.RepostNSID: decoded(func(rec *IndexedRecord, r *lexicons.Subjected) *models.Repost {
			return &models.Repost{
				Uri:        rec.Uri(),
				Cid:        rec.Cid,
				Creator:    rec.Did,
				SubjectUri: r.Subject.Uri,
				SubjectCid: r.Subject.Cid,
				CreatedAt:  r.CreatedAt,
				IndexedAt:  rec.IndexedAt,
			}
		}),
	}
}
