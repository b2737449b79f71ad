package indexer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"gorm.io/gorm"
)

// Every read here treats a taken-down record, or a record in a taken-down repo, as
// missing.

type RecordView struct {
	Uri       string          `json:"uri"`
	Cid       string          `json:"cid"`
	Value     json.RawMessage `json:"value"`
	IndexedAt time.Time       `json:"indexedAt"`
}

func recordView(r *models.Record) *RecordView {
	return &RecordView{
		Uri:       r.Uri,
		Cid:       r.Cid,
		Value:     json.RawMessage(r.Json),
		IndexedAt: r.IndexedAt,
	}
}

// GetRecord returns the current version of a record. A non-empty cid must match it.
func (ix *Indexer) GetRecord(ctx context.Context, uri string, cid string) (*RecordView, error) {
	ctx, span := tracer.Start(ctx, "GetRecord")
	defer span.End()

	q := ix.db.WithContext(ctx).Scopes(models.VisibleRecords).Where("records.uri = ?", uri)
	if cid != "" {
		q = q.Where("records.cid = ?", cid)
	}
	var rec models.Record
	if err := q.Limit(1).Find(&rec).Error; err != nil {
		return nil, err
	}
	if rec.Uri == "" {
		return nil, xrpcerr.NotFound("Could not locate record: %s", uri)
	}
	return recordView(&rec), nil
}

// ListRecords pages through one collection of a repo, newest rkey first. before is the
// rkey cursor from the previous page.
func (ix *Indexer) ListRecords(ctx context.Context, did, collection string, limit int, before string) (*models.Page[*RecordView], error) {
	ctx, span := tracer.Start(ctx, "ListRecords")
	defer span.End()

	limit = models.ClampLimit(limit)
	q := ix.db.WithContext(ctx).Scopes(models.VisibleRecords).
		Where("records.did = ? AND records.collection = ?", did, collection)
	if before != "" {
		q = q.Where("records.rkey < ?", before)
	}
	var recs []models.Record
	if err := q.Order("records.rkey DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*RecordView]{Items: make([]*RecordView, 0, len(recs))}
	for i := range recs {
		page.Items = append(page.Items, recordView(&recs[i]))
	}
	if len(recs) == limit {
		page.Cursor = recs[len(recs)-1].Rkey
	}
	return page, nil
}

type ProfileView struct {
	Did            string  `json:"did"`
	DisplayName    *string `json:"displayName,omitempty"`
	Description    *string `json:"description,omitempty"`
	AvatarCid      *string `json:"avatar,omitempty"`
	FollowersCount int64   `json:"followersCount"`
	FollowsCount   int64   `json:"followsCount"`
	PostsCount     int64   `json:"postsCount"`
}

func (ix *Indexer) repoVisible(db *gorm.DB, did string) (bool, error) {
	var n int64
	err := db.Model(&models.Repo{}).
		Scopes(models.RepoVisible("repos.did")).
		Where("repos.did = ?", did).
		Count(&n).Error
	return n > 0, err
}

// GetProfile assembles an actor's profile with follower, follow and post counts. Counts
// skip hidden records.
func (ix *Indexer) GetProfile(ctx context.Context, did string) (*ProfileView, error) {
	ctx, span := tracer.Start(ctx, "GetProfile")
	defer span.End()

	db := ix.db.WithContext(ctx)
	ok, err := ix.repoVisible(db, did)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xrpcerr.NotFound("Profile not found: %s", did)
	}

	out := &ProfileView{Did: did}

	var prof models.Profile
	if err := db.Model(&models.Profile{}).
		Scopes(models.RecordVisible("profiles.creator", "profiles.uri")).
		Where("profiles.creator = ?", did).
		Limit(1).Find(&prof).Error; err != nil {
		return nil, err
	}
	if prof.Uri != "" {
		out.DisplayName = prof.DisplayName
		out.Description = prof.Description
		out.AvatarCid = prof.AvatarCid
	}

	if err := db.Model(&models.Follow{}).
		Scopes(models.RecordVisible("follows.creator", "follows.uri")).
		Where("follows.subject_did = ?", did).
		Count(&out.FollowersCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Follow{}).
		Scopes(models.RecordVisible("follows.creator", "follows.uri")).
		Where("follows.creator = ?", did).
		Count(&out.FollowsCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Post{}).
		Scopes(models.RecordVisible("posts.creator", "posts.uri")).
		Where("posts.creator = ?", did).
		Count(&out.PostsCount).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type PostView struct {
	Uri         string    `json:"uri"`
	Cid         string    `json:"cid"`
	Creator     string    `json:"creator"`
	Text        string    `json:"text"`
	ReplyRoot   *string   `json:"replyRoot,omitempty"`
	ReplyParent *string   `json:"replyParent,omitempty"`
	CreatedAt   string    `json:"createdAt"`
	IndexedAt   time.Time `json:"indexedAt"`
	LikeCount   int64     `json:"likeCount"`
	RepostCount int64     `json:"repostCount"`
	ReplyCount  int64     `json:"replyCount"`
}

const postViewColumns = "posts.uri, posts.cid, posts.creator, posts.text, posts.reply_root, posts.reply_parent, posts.created_at, posts.indexed_at, " +
	"COALESCE(post_aggs.like_count, 0) AS like_count, " +
	"COALESCE(post_aggs.repost_count, 0) AS repost_count, " +
	"COALESCE(post_aggs.reply_count, 0) AS reply_count"

// PostViews selects visible posts joined with their aggregates. Callers add filters,
// and may select extra columns from tables they join in.
func PostViews(db *gorm.DB, extra ...string) *gorm.DB {
	cols := postViewColumns
	for _, c := range extra {
		cols += ", " + c
	}
	return db.Table("posts").
		Select(cols).
		Joins("LEFT JOIN post_aggs ON post_aggs.uri = posts.uri").
		Scopes(models.RecordVisible("posts.creator", "posts.uri"))
}

// GetAuthorFeed pages through an actor's posts, newest first. before is the uri of the
// last post on the previous page; rkeys are TIDs so uri order is creation order.
func (ix *Indexer) GetAuthorFeed(ctx context.Context, did string, limit int, before string) (*models.Page[*PostView], error) {
	ctx, span := tracer.Start(ctx, "GetAuthorFeed")
	defer span.End()

	db := ix.db.WithContext(ctx)
	ok, err := ix.repoVisible(db, did)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xrpcerr.NotFound("Profile not found: %s", did)
	}

	limit = models.ClampLimit(limit)
	q := PostViews(db).Where("posts.creator = ?", did)
	if before != "" {
		q = q.Where("posts.uri < ?", before)
	}
	var posts []*PostView
	if err := q.Order("posts.uri DESC").Limit(limit).Scan(&posts).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*PostView]{Items: posts}
	if page.Items == nil {
		page.Items = []*PostView{}
	}
	if len(posts) == limit {
		page.Cursor = posts[len(posts)-1].Uri
	}
	return page, nil
}

type FollowView struct {
	Uri       string    `json:"uri"`
	Creator   string    `json:"creator"`
	CreatedAt string    `json:"createdAt"`
	IndexedAt time.Time `json:"indexedAt"`
}

// GetFollowers pages through the follows pointing at did. before is the uri of the last
// follow on the previous page.
func (ix *Indexer) GetFollowers(ctx context.Context, did string, limit int, before string) (*models.Page[*FollowView], error) {
	ctx, span := tracer.Start(ctx, "GetFollowers")
	defer span.End()

	db := ix.db.WithContext(ctx)
	ok, err := ix.repoVisible(db, did)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xrpcerr.NotFound("Profile not found: %s", did)
	}

	limit = models.ClampLimit(limit)
	q := db.Model(&models.Follow{}).
		Scopes(models.RecordVisible("follows.creator", "follows.uri")).
		Where("follows.subject_did = ?", did)
	if before != "" {
		q = q.Where("follows.uri < ?", before)
	}
	var rows []models.Follow
	if err := q.Order("follows.uri DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &models.Page[*FollowView]{Items: make([]*FollowView, 0, len(rows))}
	for _, f := range rows {
		page.Items = append(page.Items, &FollowView{
			Uri:       f.Uri,
			Creator:   f.Creator,
			CreatedAt: f.CreatedAt,
			IndexedAt: f.IndexedAt,
		})
	}
	if len(rows) == limit {
		page.Cursor = rows[len(rows)-1].Uri
	}
	return page, nil
}
