package notifs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("notifs")

// NotificationManager derives notifications from the outbox and serves them back,
// hiding any whose author or record is taken down.
type NotificationManager struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewNotificationManager(db *gorm.DB) (*NotificationManager, error) {
	if err := db.AutoMigrate(&NotifRecord{}, &NotifSeen{}); err != nil {
		return nil, err
	}

	return &NotificationManager{
		db:  db,
		log: slog.Default().With("system", "notifs"),
	}, nil
}

const (
	NotifKindReply  = 1
	NotifKindLike   = 3
	NotifKindFollow = 4
	NotifKindRepost = 5
)

var reasons = map[int64]string{
	NotifKindReply:  "reply",
	NotifKindLike:   "like",
	NotifKindFollow: "follow",
	NotifKindRepost: "repost",
}

// NotifRecord is one notification. A record notifies each recipient at most once.
type NotifRecord struct {
	ID            uint64 `gorm:"primaryKey"`
	Recipient     string `gorm:"not null;uniqueIndex:idx_notif_for_record,priority:1"`
	Kind          int64  `gorm:"not null"`
	Author        string `gorm:"not null;index"`
	RecordUri     string `gorm:"not null;uniqueIndex:idx_notif_for_record,priority:2;index"`
	RecordCid     string `gorm:"not null"`
	ReasonSubject *string
	IndexedAt     time.Time
}

type NotifSeen struct {
	Did      string `gorm:"primaryKey"`
	LastSeen time.Time
}

type Notification struct {
	ID            uint64    `json:"id"`
	Uri           string    `json:"uri"`
	Cid           string    `json:"cid"`
	Author        string    `json:"author"`
	Reason        string    `json:"reason"`
	ReasonSubject *string   `json:"reasonSubject,omitempty"`
	IsRead        bool      `json:"isRead"`
	IndexedAt     time.Time `json:"indexedAt"`
}

// HandleEvent is the outbox consumer. Updates replace the notifications of the old
// version; deletes drop them.
func (nm *NotificationManager) HandleEvent(ctx context.Context, evt *events.IndexEvent) error {
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	return nm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range evt.Ops {
			op := &evt.Ops[i]
			uri := op.Uri(evt.Did)

			if repo.Action(op.Action) != repo.ActionCreate {
				if err := tx.Where("record_uri = ?", uri).Delete(&NotifRecord{}).Error; err != nil {
					return err
				}
			}
			if repo.Action(op.Action) == repo.ActionDelete {
				continue
			}

			n, err := notificationFor(evt, op)
			if err != nil {
				return err
			}
			if n == nil || n.Recipient == evt.Did {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(n).Error; err != nil {
				return fmt.Errorf("inserting notification for %s: %w", uri, err)
			}
			notifsCreated.WithLabelValues(reasons[n.Kind]).Inc()
		}
		return nil
	})
}

func notificationFor(evt *events.IndexEvent, op *events.Op) (*NotifRecord, error) {
	n := &NotifRecord{
		Author:    evt.Did,
		RecordUri: op.Uri(evt.Did),
		RecordCid: op.Cid,
		IndexedAt: evt.ObservedAt,
	}

	switch op.Collection {
	case lexicons.PostNSID:
		var p lexicons.Post
		if err := op.DecodeRecord(&p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", n.RecordUri, err)
		}
		if p.Reply == nil {
			return nil, nil
		}
		n.Kind = NotifKindReply
		n.ReasonSubject = &p.Reply.Parent.Uri
		n.Recipient = ownerOf(p.Reply.Parent.Uri)

	case lexicons.LikeNSID, lexicons.RepostNSID:
		var s lexicons.Subjected
		if err := op.DecodeRecord(&s); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", n.RecordUri, err)
		}
		n.Kind = NotifKindLike
		if op.Collection == lexicons.RepostNSID {
			n.Kind = NotifKindRepost
		}
		n.ReasonSubject = &s.Subject.Uri
		n.Recipient = ownerOf(s.Subject.Uri)

	case lexicons.FollowNSID:
		var f lexicons.Follow
		if err := op.DecodeRecord(&f); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", n.RecordUri, err)
		}
		n.Kind = NotifKindFollow
		n.Recipient = f.Subject

	default:
		return nil, nil
	}

	if n.Recipient == "" {
		return nil, nil
	}
	return n, nil
}

func ownerOf(uri string) string {
	u, err := syntax.ParseATURI(uri)
	if err != nil {
		return ""
	}
	auth, err := u.Authority()
	if err != nil || !auth.IsDID() {
		return ""
	}
	return auth.String()
}

// GetNotifications lists a user's notifications newest first.
func (nm *NotificationManager) GetNotifications(ctx context.Context, did string, limit int, before string) (*models.Page[*Notification], error) {
	ctx, span := tracer.Start(ctx, "GetNotifications")
	defer span.End()

	db := nm.db.WithContext(ctx)
	var lastSeen time.Time
	if err := db.Model(&NotifSeen{}).Where("did = ?", did).Select("last_seen").Scan(&lastSeen).Error; err != nil {
		return nil, err
	}

	limit = models.ClampLimit(limit)
	q := db.Model(&NotifRecord{}).
		Scopes(models.RecordVisible("notif_records.author", "notif_records.record_uri")).
		Where("notif_records.recipient = ?", did).
		Order("notif_records.id DESC").
		Limit(limit)
	if before != "" {
		id, err := strconv.ParseUint(before, 10, 64)
		if err != nil {
			return nil, xrpcerr.MalformedCursor(before)
		}
		q = q.Where("notif_records.id < ?", id)
	}

	var rows []NotifRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*Notification]{Items: make([]*Notification, 0, len(rows))}
	for _, n := range rows {
		page.Items = append(page.Items, &Notification{
			ID:            n.ID,
			Uri:           n.RecordUri,
			Cid:           n.RecordCid,
			Author:        n.Author,
			Reason:        reasons[n.Kind],
			ReasonSubject: n.ReasonSubject,
			IsRead:        !n.IndexedAt.After(lastSeen),
			IndexedAt:     n.IndexedAt,
		})
	}
	if len(rows) == limit {
		page.Cursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return page, nil
}

func (nm *NotificationManager) GetCount(ctx context.Context, did string) (int64, error) {
	db := nm.db.WithContext(ctx)

	var lseen time.Time
	if err := db.Model(&NotifSeen{}).Where("did = ?", did).Select("last_seen").Scan(&lseen).Error; err != nil {
		return 0, err
	}

	var c int64
	if err := db.Model(&NotifRecord{}).
		Scopes(models.RecordVisible("notif_records.author", "notif_records.record_uri")).
		Where("notif_records.recipient = ? AND notif_records.indexed_at > ?", did, lseen).
		Count(&c).Error; err != nil {
		return 0, err
	}

	return c, nil
}

func (nm *NotificationManager) UpdateSeen(ctx context.Context, did string, seen time.Time) error {
	return nm.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&NotifSeen{
		Did:      did,
		LastSeen: seen.UTC(),
	}).Error
}

// ResetIndexes drops every notification ahead of a full reindex. Seen markers stay.
func (nm *NotificationManager) ResetIndexes(ctx context.Context) error {
	return nm.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&NotifRecord{}).Error
}

// ResetRepo drops the notifications authored by did ahead of replaying it.
func (nm *NotificationManager) ResetRepo(ctx context.Context, did string) error {
	return nm.db.WithContext(ctx).Where("author = ?", did).Delete(&NotifRecord{}).Error
}
