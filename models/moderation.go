package models

import (
	"time"
)

const (
	SubjectTypeRepo   = "com.atproto.repo.repoRef"
	SubjectTypeRecord = "com.atproto.repo.recordRef"
)

// Wire tokens stored in ModerationAction.Action.
const (
	ModerationActionAcknowledge = "acknowledge"
	ModerationActionFlag        = "flag"
	ModerationActionTakedown    = "takedown"
)

type ModerationAction struct {
	ID             uint64  `gorm:"primaryKey"`
	Action         string  `gorm:"not null"`
	SubjectType    string  `gorm:"not null"`
	SubjectDid     string  `gorm:"not null;index"`
	SubjectUri     *string `gorm:"index"`
	SubjectCid     *string
	Reason         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	CreatedByDid   string    `gorm:"not null"`
	ReversedAt     *time.Time
	ReversedByDid  *string
	ReversedReason *string
}

func (a *ModerationAction) IsReversed() bool {
	return a.ReversedAt != nil
}

type ModerationReport struct {
	ID            uint64  `gorm:"primaryKey"`
	SubjectType   string  `gorm:"not null"`
	SubjectDid    string  `gorm:"not null;index"`
	SubjectUri    *string `gorm:"index"`
	SubjectCid    *string
	ReasonType    string `gorm:"not null"`
	Reason        *string
	ReportedByDid string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

type ModerationReportResolution struct {
	ReportId     uint64    `gorm:"primaryKey"`
	ActionId     uint64    `gorm:"primaryKey;index"`
	CreatedAt    time.Time `gorm:"not null"`
	CreatedByDid string    `gorm:"not null"`
}
