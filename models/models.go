package models

import (
	"time"
)

// Repo is the relational view of a tenant repository. Head and Rev are owned by the
// repository store, TakedownID by the moderation service.
type Repo struct {
	Did        string `gorm:"primaryKey"`
	Head       string `gorm:"not null"`
	Rev        string `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TakedownID *uint64 `gorm:"index"`
}

// Record caches the current version of a record. It is never authoritative: Cid always
// mirrors the repository's current entry for the same key.
type Record struct {
	Uri        string `gorm:"primaryKey"`
	Cid        string `gorm:"not null"`
	Did        string `gorm:"not null;uniqueIndex:idx_record_key,priority:1"`
	Collection string `gorm:"not null;uniqueIndex:idx_record_key,priority:2"`
	Rkey       string `gorm:"not null;uniqueIndex:idx_record_key,priority:3"`
	Json       string `gorm:"not null"`
	IndexedAt  time.Time
	TakedownID *uint64 `gorm:"index"`
}

type Profile struct {
	Uri         string `gorm:"primaryKey"`
	Cid         string `gorm:"not null"`
	Creator     string `gorm:"not null;uniqueIndex"`
	DisplayName *string
	Description *string
	AvatarCid   *string
	IndexedAt   time.Time
}

type Post struct {
	Uri         string `gorm:"primaryKey"`
	Cid         string `gorm:"not null"`
	Creator     string `gorm:"not null;index"`
	Text        string `gorm:"not null"`
	ReplyRoot   *string
	ReplyParent *string `gorm:"index"`
	CreatedAt   string  `gorm:"not null"`
	IndexedAt   time.Time
}

type Follow struct {
	Uri        string `gorm:"primaryKey"`
	Cid        string `gorm:"not null"`
	Creator    string `gorm:"not null;index"`
	SubjectDid string `gorm:"not null;index"`
	CreatedAt  string `gorm:"not null"`
	IndexedAt  time.Time
}

type Like struct {
	Uri        string `gorm:"primaryKey"`
	Cid        string `gorm:"not null"`
	Creator    string `gorm:"not null;index"`
	SubjectUri string `gorm:"not null;index"`
	SubjectCid string `gorm:"not null"`
	CreatedAt  string `gorm:"not null"`
	IndexedAt  time.Time
}

type Repost struct {
	Uri        string `gorm:"primaryKey"`
	Cid        string `gorm:"not null"`
	Creator    string `gorm:"not null;index"`
	SubjectUri string `gorm:"not null;index"`
	SubjectCid string `gorm:"not null"`
	CreatedAt  string `gorm:"not null"`
	IndexedAt  time.Time
}

// PostAgg holds counts derived asynchronously from the outbox.
type PostAgg struct {
	Uri         string `gorm:"primaryKey"`
	LikeCount   int64
	RepostCount int64
	ReplyCount  int64
}

// RecordBlob links a record to each blob it references.
type RecordBlob struct {
	BlobCid   string `gorm:"primaryKey"`
	RecordUri string `gorm:"primaryKey;index"`
	Did       string `gorm:"not null;index"`
}

type Blob struct {
	Cid        string  `gorm:"primaryKey"`
	TempKey    *string `gorm:"index"`
	MimeType   string  `gorm:"not null"`
	Size       int64
	CreatorDid string `gorm:"not null;index"`
	CreatedAt  time.Time
	// PromotedAt is refreshed each time a write references the blob. GC spares blobs
	// promoted within its grace period.
	PromotedAt *time.Time
}

// IndexedModels lists the read-model tables rebuilt by a reindex.
func IndexedModels() []any {
	return []any{
		&Record{},
		&Profile{},
		&Post{},
		&Follow{},
		&Like{},
		&Repost{},
		&PostAgg{},
		&RecordBlob{},
	}
}
