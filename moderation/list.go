package moderation

import (
	"context"
	"strconv"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"gorm.io/gorm"
)

type ListParams struct {
	// Subject matches either the subject did or the subject uri.
	Subject string
	Limit   int
	Before  string
}

type ReportListParams struct {
	ListParams
	// Resolved, when set, keeps only reports that have (or lack) a resolution.
	Resolved *bool
}

// ActionView is an action with the reports it resolved.
type ActionView struct {
	ID                uint64     `json:"id"`
	Action            string     `json:"action"`
	Subject           SubjectRef `json:"subject"`
	Reason            string     `json:"reason"`
	CreatedBy         string     `json:"createdBy"`
	CreatedAt         time.Time  `json:"createdAt"`
	Reversal          *Reversal  `json:"reversal,omitempty"`
	ResolvedReportIds []uint64   `json:"resolvedReportIds"`
}

type Reversal struct {
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReportView is a report with the actions that resolved it.
type ReportView struct {
	ID                  uint64     `json:"id"`
	ReasonType          string     `json:"reasonType"`
	Reason              *string    `json:"reason,omitempty"`
	Subject             SubjectRef `json:"subject"`
	ReportedBy          string     `json:"reportedByDid"`
	CreatedAt           time.Time  `json:"createdAt"`
	ResolvedByActionIds []uint64   `json:"resolvedByActionIds"`
}

// pageQuery orders by id descending. The cursor of a page is its last id, so paging
// ends on the first empty page.
func pageQuery(db *gorm.DB, p ListParams) (*gorm.DB, error) {
	limit := models.ClampLimit(p.Limit)
	q := db.Order("id DESC").Limit(limit)
	if p.Subject != "" {
		q = q.Where("(subject_did = ? OR subject_uri = ?)", p.Subject, p.Subject)
	}
	if p.Before != "" {
		before, err := strconv.ParseUint(p.Before, 10, 64)
		if err != nil {
			return nil, xrpcerr.MalformedCursor(p.Before)
		}
		q = q.Where("id < ?", before)
	}
	return q, nil
}

// GetActions lists actions newest first.
func (s *Service) GetActions(ctx context.Context, p ListParams) (*models.Page[*models.ModerationAction], error) {
	ctx, span := tracer.Start(ctx, "GetActions")
	defer span.End()

	q, err := pageQuery(s.db.WithContext(ctx), p)
	if err != nil {
		return nil, err
	}
	var actions []*models.ModerationAction
	if err := q.Find(&actions).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*models.ModerationAction]{Items: actions}
	if len(actions) > 0 {
		page.Cursor = strconv.FormatUint(actions[len(actions)-1].ID, 10)
	}
	return page, nil
}

// GetReports lists reports newest first.
func (s *Service) GetReports(ctx context.Context, p ReportListParams) (*models.Page[*models.ModerationReport], error) {
	ctx, span := tracer.Start(ctx, "GetReports")
	defer span.End()

	q, err := pageQuery(s.db.WithContext(ctx), p.ListParams)
	if err != nil {
		return nil, err
	}
	if p.Resolved != nil {
		const resolved = "EXISTS (SELECT 1 FROM moderation_report_resolutions r WHERE r.report_id = moderation_reports.id)"
		if *p.Resolved {
			q = q.Where(resolved)
		} else {
			q = q.Where("NOT " + resolved)
		}
	}
	var reports []*models.ModerationReport
	if err := q.Find(&reports).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*models.ModerationReport]{Items: reports}
	if len(reports) > 0 {
		page.Cursor = strconv.FormatUint(reports[len(reports)-1].ID, 10)
	}
	return page, nil
}

func (s *Service) GetAction(ctx context.Context, id uint64) (*ActionView, error) {
	ctx, span := tracer.Start(ctx, "GetAction")
	defer span.End()

	db := s.db.WithContext(ctx)
	var act models.ModerationAction
	if err := db.Limit(1).Find(&act, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if act.ID == 0 {
		return nil, xrpcerr.NotFound("Action not found")
	}

	view := &ActionView{
		ID:                act.ID,
		Action:            act.Action,
		Subject:           SubjectRef{subjectOf(act.SubjectType, act.SubjectDid, act.SubjectUri, act.SubjectCid)},
		Reason:            act.Reason,
		CreatedBy:         act.CreatedByDid,
		CreatedAt:         act.CreatedAt,
		ResolvedReportIds: []uint64{},
	}
	if act.IsReversed() {
		view.Reversal = &Reversal{
			Reason:    deref(act.ReversedReason),
			CreatedBy: deref(act.ReversedByDid),
			CreatedAt: *act.ReversedAt,
		}
	}
	err := db.Model(&models.ModerationReportResolution{}).
		Where("action_id = ?", id).
		Order("report_id DESC").
		Pluck("report_id", &view.ResolvedReportIds).Error
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) GetReport(ctx context.Context, id uint64) (*ReportView, error) {
	ctx, span := tracer.Start(ctx, "GetReport")
	defer span.End()

	db := s.db.WithContext(ctx)
	var rep models.ModerationReport
	if err := db.Limit(1).Find(&rep, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if rep.ID == 0 {
		return nil, xrpcerr.NotFound("Report not found")
	}

	view := &ReportView{
		ID:                  rep.ID,
		ReasonType:          rep.ReasonType,
		Reason:              rep.Reason,
		Subject:             SubjectRef{subjectOf(rep.SubjectType, rep.SubjectDid, rep.SubjectUri, rep.SubjectCid)},
		ReportedBy:          rep.ReportedByDid,
		CreatedAt:           rep.CreatedAt,
		ResolvedByActionIds: []uint64{},
	}
	err := db.Model(&models.ModerationReportResolution{}).
		Where("report_id = ?", id).
		Order("action_id DESC").
		Pluck("action_id", &view.ResolvedByActionIds).Error
	if err != nil {
		return nil, err
	}
	return view, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
