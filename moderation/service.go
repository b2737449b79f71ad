package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("moderation")

// Service records moderation actions and reports and keeps the takedown ids that every
// read path filters on.
type Service struct {
	db  *gorm.DB
	log *slog.Logger

	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{
		db:  db,
		log: slog.Default().With("system", "moderation"),
		now: time.Now,
	}
}

type LogActionInput struct {
	Action    ActionKind
	Subject   Subject
	Reason    string
	CreatedBy string
	// CreatedAt defaults to now.
	CreatedAt time.Time
}

type ReverseInput struct {
	ID        uint64
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

type ReportInput struct {
	ReasonType ReasonType
	Reason     string
	Subject    Subject
	ReportedBy string
	CreatedAt  time.Time
}

func (s *Service) stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC()
}

type subjectInfo struct {
	Type string
	Did  string
	Uri  *string
	Cid  *string
}

// resolveSubject checks that the subject exists. A record subject resolves to the
// record's current cid, and fails if a different cid was asked for. Taken down subjects
// still resolve.
func resolveSubject(tx *gorm.DB, subject Subject) (*subjectInfo, error) {
	switch sub := subject.(type) {
	case RepoSubject:
		var n int64
		if err := tx.Model(&models.Repo{}).Where("did = ?", sub.Repo).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, xrpcerr.NotFound("Repo not found")
		}
		return &subjectInfo{Type: models.SubjectTypeRepo, Did: sub.Repo}, nil

	case RecordSubject:
		q := tx.Where("uri = ?", sub.Uri)
		if sub.Cid != "" {
			q = q.Where("cid = ?", sub.Cid)
		}
		var rec models.Record
		if err := q.Limit(1).Find(&rec).Error; err != nil {
			return nil, err
		}
		if rec.Uri == "" {
			return nil, xrpcerr.NotFound("Record not found")
		}
		return &subjectInfo{
			Type: models.SubjectTypeRecord,
			Did:  rec.Did,
			Uri:  &rec.Uri,
			Cid:  &rec.Cid,
		}, nil

	default:
		return nil, xrpcerr.Validation("missing moderation subject")
	}
}

// LogAction records an action against a subject. A takedown also sets the subject's
// takedown id, unless another takedown already holds it.
func (s *Service) LogAction(ctx context.Context, in LogActionInput) (*models.ModerationAction, error) {
	ctx, span := tracer.Start(ctx, "LogAction")
	defer span.End()
	span.SetAttributes(attribute.String("action", string(in.Action)))

	if _, err := ParseActionKind(string(in.Action)); err != nil {
		return nil, err
	}

	var act *models.ModerationAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		info, err := resolveSubject(tx, in.Subject)
		if err != nil {
			return err
		}

		act = &models.ModerationAction{
			Action:       string(in.Action),
			SubjectType:  info.Type,
			SubjectDid:   info.Did,
			SubjectUri:   info.Uri,
			SubjectCid:   info.Cid,
			Reason:       in.Reason,
			CreatedAt:    s.stamp(in.CreatedAt),
			CreatedByDid: in.CreatedBy,
		}
		if err := tx.Create(act).Error; err != nil {
			return fmt.Errorf("inserting action: %w", err)
		}

		if in.Action.Gates() {
			return takedown(tx, act)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	actionsLogged.WithLabelValues(act.Action).Inc()
	s.log.Info("logged moderation action", "id", act.ID, "action", act.Action, "did", act.SubjectDid, "by", act.CreatedByDid)
	return act, nil
}

func takedown(tx *gorm.DB, act *models.ModerationAction) error {
	var q *gorm.DB
	if act.SubjectType == models.SubjectTypeRecord {
		q = tx.Model(&models.Record{}).Where("uri = ?", *act.SubjectUri)
	} else {
		q = tx.Model(&models.Repo{}).Where("did = ?", act.SubjectDid)
	}
	if err := q.Where("takedown_id IS NULL").Update("takedown_id", act.ID).Error; err != nil {
		return fmt.Errorf("applying takedown %d: %w", act.ID, err)
	}
	return nil
}

// LogReverseAction marks an action reversed. Reversing a takedown lifts it only where
// this action is the one holding the subject down.
func (s *Service) LogReverseAction(ctx context.Context, in ReverseInput) (*models.ModerationAction, error) {
	ctx, span := tracer.Start(ctx, "LogReverseAction")
	defer span.End()
	span.SetAttributes(attribute.Int64("id", int64(in.ID)))

	var act models.ModerationAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Limit(1).Find(&act, "id = ?", in.ID).Error; err != nil {
			return err
		}
		if act.ID == 0 {
			return xrpcerr.NotFound("Moderation action not found")
		}
		if act.IsReversed() {
			return xrpcerr.Validation("Moderation action %d is already reversed", act.ID)
		}

		at := s.stamp(in.CreatedAt)
		act.ReversedAt = &at
		act.ReversedByDid = &in.CreatedBy
		act.ReversedReason = &in.Reason
		err := tx.Model(&act).Updates(map[string]any{
			"reversed_at":     act.ReversedAt,
			"reversed_by_did": act.ReversedByDid,
			"reversed_reason": act.ReversedReason,
		}).Error
		if err != nil {
			return fmt.Errorf("reversing action %d: %w", act.ID, err)
		}

		if ActionKind(act.Action).Gates() {
			return liftTakedown(tx, &act)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	actionsReversed.WithLabelValues(act.Action).Inc()
	s.log.Info("reversed moderation action", "id", act.ID, "action", act.Action, "by", in.CreatedBy)
	return &act, nil
}

// liftTakedown releases a subject held by act. Another live takedown on the same subject
// takes over, otherwise the subject becomes visible again.
func liftTakedown(tx *gorm.DB, act *models.ModerationAction) error {
	others := tx.Model(&models.ModerationAction{}).
		Where("action = ? AND reversed_at IS NULL AND id <> ?", act.Action, act.ID).
		Where("subject_type = ?", act.SubjectType)
	var q *gorm.DB
	if act.SubjectType == models.SubjectTypeRecord {
		q = tx.Model(&models.Record{}).Where("uri = ?", *act.SubjectUri)
		others = others.Where("subject_uri = ?", *act.SubjectUri)
	} else {
		q = tx.Model(&models.Repo{}).Where("did = ?", act.SubjectDid)
		others = others.Where("subject_did = ?", act.SubjectDid)
	}

	var next []models.ModerationAction
	if err := others.Order("id DESC").Limit(1).Find(&next).Error; err != nil {
		return fmt.Errorf("finding successor takedown for %d: %w", act.ID, err)
	}
	var successor any
	if len(next) > 0 {
		successor = next[0].ID
	}

	if err := q.Where("takedown_id = ?", act.ID).Update("takedown_id", successor).Error; err != nil {
		return fmt.Errorf("lifting takedown %d: %w", act.ID, err)
	}
	return nil
}

// Report files a report against a subject, which must exist.
func (s *Service) Report(ctx context.Context, in ReportInput) (*models.ModerationReport, error) {
	ctx, span := tracer.Start(ctx, "Report")
	defer span.End()

	if _, err := ParseReasonType(string(in.ReasonType)); err != nil {
		return nil, err
	}

	var rep *models.ModerationReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		info, err := resolveSubject(tx, in.Subject)
		if err != nil {
			return err
		}

		rep = &models.ModerationReport{
			SubjectType:   info.Type,
			SubjectDid:    info.Did,
			SubjectUri:    info.Uri,
			SubjectCid:    info.Cid,
			ReasonType:    string(in.ReasonType),
			ReportedByDid: in.ReportedBy,
			CreatedAt:     s.stamp(in.CreatedAt),
		}
		if in.Reason != "" {
			rep.Reason = &in.Reason
		}
		return tx.Create(rep).Error
	})
	if err != nil {
		return nil, err
	}

	reportsFiled.WithLabelValues(rep.ReasonType).Inc()
	return rep, nil
}

// ResolveReports links reports to the action that addressed them. Every report must be
// about the action's repo, and about the same record when both name one. Linking a pair
// twice is a no-op.
func (s *Service) ResolveReports(ctx context.Context, reportIDs []uint64, actionID uint64, createdBy string, createdAt time.Time) error {
	ctx, span := tracer.Start(ctx, "ResolveReports")
	defer span.End()
	span.SetAttributes(attribute.Int64("action", int64(actionID)), attribute.Int("reports", len(reportIDs)))

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var act models.ModerationAction
		if err := tx.Limit(1).Find(&act, "id = ?", actionID).Error; err != nil {
			return err
		}
		if act.ID == 0 {
			return xrpcerr.NotFound("Action not found")
		}
		if len(reportIDs) == 0 {
			return nil
		}

		var reports []models.ModerationReport
		if err := tx.Where("id IN ?", reportIDs).Find(&reports).Error; err != nil {
			return err
		}
		byID := make(map[uint64]*models.ModerationReport, len(reports))
		for i := range reports {
			byID[reports[i].ID] = &reports[i]
		}

		at := s.stamp(createdAt)
		rows := make([]models.ModerationReportResolution, 0, len(reportIDs))
		for _, id := range reportIDs {
			rep, ok := byID[id]
			if !ok {
				return xrpcerr.NotFound("Report not found")
			}
			if err := checkSameSubject(&act, rep); err != nil {
				return err
			}
			rows = append(rows, models.ModerationReportResolution{
				ReportId:     id,
				ActionId:     act.ID,
				CreatedAt:    at,
				CreatedByDid: createdBy,
			})
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("inserting resolutions: %w", err)
		}
		return nil
	})
}

// checkSameSubject compares repos, and uris when both sides name a record. Record cids
// are not compared, so two versions of one record count as the same subject.
func checkSameSubject(act *models.ModerationAction, rep *models.ModerationReport) error {
	if act.SubjectDid != rep.SubjectDid {
		return xrpcerr.ResolutionMismatch(rep.ID)
	}
	if act.SubjectType == models.SubjectTypeRecord && rep.SubjectType == models.SubjectTypeRecord {
		if act.SubjectUri == nil || rep.SubjectUri == nil || *act.SubjectUri != *rep.SubjectUri {
			return xrpcerr.ResolutionMismatch(rep.ID)
		}
	}
	return nil
}

// IsTakenDown reports whether the subject is currently hidden, either directly or, for a
// record, through its repo.
func (s *Service) IsTakenDown(ctx context.Context, subject Subject) (bool, error) {
	db := s.db.WithContext(ctx)

	var repo models.Repo
	if err := db.Limit(1).Find(&repo, "did = ?", subject.Did()).Error; err != nil {
		return false, err
	}
	if repo.TakedownID != nil {
		return true, nil
	}

	sub, ok := subject.(RecordSubject)
	if !ok {
		return false, nil
	}
	var n int64
	err := db.Model(&models.Record{}).Where("uri = ? AND takedown_id IS NOT NULL", sub.Uri).Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
