package models

import (
	"gorm.io/gorm"
)

// RepoVisible filters out rows whose owning repo carries a takedown. didCol names the
// column of the queried table that holds the owner did.
func RepoVisible(didCol string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("NOT EXISTS (SELECT 1 FROM repos WHERE repos.did = " + didCol + " AND repos.takedown_id IS NOT NULL)")
	}
}

// RecordVisible filters out rows whose record, or whose owning repo, carries a takedown.
func RecordVisible(didCol, uriCol string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Scopes(RepoVisible(didCol)).
			Where("NOT EXISTS (SELECT 1 FROM records WHERE records.uri = " + uriCol + " AND records.takedown_id IS NOT NULL)")
	}
}

// AutoMigrate creates every table the write path owns.
func AutoMigrate(db *gorm.DB) error {
	all := append([]any{
		&Repo{},
		&Blob{},
		&ModerationAction{},
		&ModerationReport{},
		&ModerationReportResolution{},
	}, IndexedModels()...)
	return db.AutoMigrate(all...)
}

// VisibleRecords gates queries against the records table itself.
func VisibleRecords(db *gorm.DB) *gorm.DB {
	return db.Scopes(RepoVisible("records.did")).Where("records.takedown_id IS NULL")
}

// Page is one page of a newest-first listing. An empty Cursor means the listing is exhausted.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return min(limit, MaxPageLimit)
}
