package indexer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/internal/testutil"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/repostore"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	alice = "did:example:alice"
	bob   = "did:example:bob"
)

type fixture struct {
	db     *gorm.DB
	prep   *repo.Preparer
	store  *repostore.Store
	outbox *events.Outbox
	ix     *Indexer
	clock  *testutil.Clock
}

func setup(t *testing.T) *fixture {
	db := testutil.SetupDB(t)
	require.NoError(t, repostore.AutoMigrate(db))
	require.NoError(t, events.AutoMigrate(db))

	prep := repo.NewPreparer(lexicons.DefaultRegistry())
	ob := events.NewOutbox(db, nil)
	return &fixture{
		db:     db,
		prep:   prep,
		store:  repostore.NewStore(db, prep),
		outbox: ob,
		ix:     NewIndexer(db, ob),
		clock:  testutil.NewClock(),
	}
}

func (f *fixture) commit(did string, writes ...repo.PreparedWrite) (*events.IndexEvent, error) {
	ctx := context.Background()
	now := f.clock.Now()
	var evt *events.IndexEvent
	err := f.db.Transaction(func(tx *gorm.DB) error {
		ref, err := f.store.ApplyWrites(ctx, tx, did, writes, now)
		if err != nil {
			return err
		}
		evt, err = f.ix.IndexWrites(ctx, tx, ref, writes, now)
		return err
	})
	return evt, err
}

func (f *fixture) mustCommit(t *testing.T, did string, writes ...repo.PreparedWrite) *events.IndexEvent {
	t.Helper()
	evt, err := f.commit(did, writes...)
	require.NoError(t, err)
	return evt
}

func (f *fixture) create(t *testing.T, did, col, rkey string, rec map[string]any) *repo.PreparedCreate {
	t.Helper()
	w, err := f.prep.PrepareCreate(context.Background(), did, col, rkey, rec)
	require.NoError(t, err)
	return w
}

func (f *fixture) update(t *testing.T, did, col, rkey string, rec map[string]any) *repo.PreparedUpdate {
	t.Helper()
	w, err := f.prep.PrepareUpdate(context.Background(), did, col, rkey, rec)
	require.NoError(t, err)
	return w
}

func (f *fixture) del(t *testing.T, did, col, rkey string) *repo.PreparedDelete {
	t.Helper()
	w, err := f.prep.PrepareDelete(did, col, rkey)
	require.NoError(t, err)
	return w
}

func post(text string) map[string]any {
	return map[string]any{"text": text, "createdAt": "2024-01-01T00:00:00Z"}
}

func reply(text string, parent *repo.PreparedCreate) map[string]any {
	ref := map[string]any{"uri": parent.Uri(), "cid": parent.Cid.String()}
	p := post(text)
	p["reply"] = map[string]any{"root": ref, "parent": ref}
	return p
}

func subject(target *repo.PreparedCreate) map[string]any {
	return map[string]any{
		"subject":   map[string]any{"uri": target.Uri(), "cid": target.Cid.String()},
		"createdAt": "2024-01-01T00:00:00Z",
	}
}

func TestIndexWritesProjections(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("hello"))
	prof := f.create(t, alice, lexicons.ProfileNSID, "self", map[string]any{"displayName": "Alice"})
	evt := f.mustCommit(t, alice, p1, prof)

	assert.Equal(alice, evt.Did)
	assert.NotZero(evt.Seq)
	require.Len(evt.Ops, 2)
	assert.Equal("create", evt.Ops[0].Action)
	assert.Equal(p1.Cid.String(), evt.Ops[0].Cid)

	like := f.create(t, bob, lexicons.LikeNSID, "", subject(p1))
	follow := f.create(t, bob, lexicons.FollowNSID, "", map[string]any{"subject": alice, "createdAt": "2024-01-01T00:00:00Z"})
	f.mustCommit(t, bob, like, follow)

	var n int64
	require.NoError(f.db.Model(&models.Record{}).Count(&n).Error)
	assert.Equal(int64(4), n)

	var p models.Post
	require.NoError(f.db.First(&p, "uri = ?", p1.Uri()).Error)
	assert.Equal("hello", p.Text)
	assert.Equal(alice, p.Creator)

	var l models.Like
	require.NoError(f.db.First(&l, "uri = ?", like.Uri()).Error)
	assert.Equal(p1.Uri(), l.SubjectUri)

	profile, err := f.ix.GetProfile(context.Background(), alice)
	require.NoError(err)
	require.NotNil(profile.DisplayName)
	assert.Equal("Alice", *profile.DisplayName)
	assert.Equal(int64(1), profile.FollowersCount)
	assert.Equal(int64(1), profile.PostsCount)

	// update replaces the projection, delete removes it
	f.mustCommit(t, alice, f.update(t, alice, lexicons.PostNSID, p1.Rkey, post("edited")))
	require.NoError(f.db.First(&p, "uri = ?", p1.Uri()).Error)
	assert.Equal("edited", p.Text)

	evt = f.mustCommit(t, bob, f.del(t, bob, lexicons.LikeNSID, like.Rkey))
	require.NoError(f.db.Model(&models.Like{}).Count(&n).Error)
	assert.Equal(int64(0), n)
	require.Len(evt.Ops, 1)
	var old lexicons.Subjected
	require.NoError(evt.Ops[0].DecodeRecord(&old))
	assert.Equal(p1.Uri(), old.Subject.Uri, "delete ops carry the previous payload")
}

func TestIndexWritesKeyDiscipline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := setup(t)

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("one"))
	f.mustCommit(t, alice, p1)

	head, err := f.store.GetHead(ctx, alice)
	require.NoError(err)

	indexOnly := func(w repo.PreparedWrite) error {
		return f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.ix.IndexWrites(ctx, tx, head, []repo.PreparedWrite{w}, f.clock.Now())
			return err
		})
	}

	assert.ErrorIs(indexOnly(p1), xrpcerr.ErrAlreadyExists)
	assert.ErrorIs(indexOnly(f.update(t, alice, lexicons.PostNSID, "3kbbbbbbbbb22", post("x"))), xrpcerr.ErrNotFound)
	assert.ErrorIs(indexOnly(f.del(t, alice, lexicons.PostNSID, "3kbbbbbbbbb22")), xrpcerr.ErrNotFound)

	// failed batches leave nothing behind, including the event
	pending, err := f.outbox.Pending(ctx, "anyone")
	require.NoError(err)
	assert.Equal(int64(1), pending)

	// delete then create on the same key looks like a fresh record
	f.mustCommit(t, alice, f.del(t, alice, lexicons.PostNSID, p1.Rkey))
	again := f.create(t, alice, lexicons.PostNSID, p1.Rkey, post("one"))
	f.mustCommit(t, alice, again)
	rec, err := f.ix.GetRecord(ctx, p1.Uri(), "")
	require.NoError(err)
	assert.Equal(p1.Cid.String(), rec.Cid)
}

func TestReadsHideTakedowns(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := setup(t)

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("visible"))
	f.mustCommit(t, alice, p1)

	_, err := f.ix.GetRecord(ctx, p1.Uri(), p1.Cid.String())
	require.NoError(err)
	_, err = f.ix.GetRecord(ctx, p1.Uri(), "bafyreiwrongcid")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)

	require.NoError(f.db.Model(&models.Repo{}).Where("did = ?", alice).Update("takedown_id", 7).Error)
	_, err = f.ix.GetRecord(ctx, p1.Uri(), "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	_, err = f.ix.GetProfile(ctx, alice)
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	_, err = f.ix.GetAuthorFeed(ctx, alice, 10, "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)

	require.NoError(f.db.Model(&models.Repo{}).Where("did = ?", alice).Update("takedown_id", nil).Error)
	require.NoError(f.db.Model(&models.Record{}).Where("uri = ?", p1.Uri()).Update("takedown_id", 8).Error)
	_, err = f.ix.GetRecord(ctx, p1.Uri(), "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	feed, err := f.ix.GetAuthorFeed(ctx, alice, 10, "")
	require.NoError(err)
	assert.Empty(feed.Items)

	require.NoError(f.db.Model(&models.Record{}).Where("uri = ?", p1.Uri()).Update("takedown_id", nil).Error)
	rec, err := f.ix.GetRecord(ctx, p1.Uri(), "")
	require.NoError(err)
	assert.Equal(p1.Cid.String(), rec.Cid)
}

func TestAuthorFeedPagination(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := setup(t)

	var uris []string
	for i := 0; i < 7; i++ {
		w := f.create(t, alice, lexicons.PostNSID, "", post(fmt.Sprintf("post %d", i)))
		f.mustCommit(t, alice, w)
		uris = append([]string{w.Uri()}, uris...)
	}

	var got []string
	cursor := ""
	for {
		page, err := f.ix.GetAuthorFeed(ctx, alice, 3, cursor)
		require.NoError(err)
		for _, p := range page.Items {
			got = append(got, p.Uri)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(uris, got)

	recs, err := f.ix.ListRecords(ctx, alice, lexicons.PostNSID, 100, "")
	require.NoError(err)
	assert.Len(recs.Items, 7)
	assert.Empty(recs.Cursor)
}

func TestAggregatorRecounts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := setup(t)
	require.NoError(f.outbox.Subscribe("aggregates", NewAggregator(f.db)))

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("root"))
	f.mustCommit(t, alice, p1)
	like := f.create(t, bob, lexicons.LikeNSID, "", subject(p1))
	f.mustCommit(t, bob,
		like,
		f.create(t, bob, lexicons.RepostNSID, "", subject(p1)),
		f.create(t, bob, lexicons.PostNSID, "", reply("reply", p1)),
	)
	require.NoError(f.outbox.ProcessAll(ctx))

	feed, err := f.ix.GetAuthorFeed(ctx, alice, 10, "")
	require.NoError(err)
	require.Len(feed.Items, 1)
	assert.Equal(int64(1), feed.Items[0].LikeCount)
	assert.Equal(int64(1), feed.Items[0].RepostCount)
	assert.Equal(int64(1), feed.Items[0].ReplyCount)

	f.mustCommit(t, bob, f.del(t, bob, lexicons.LikeNSID, like.Rkey))
	require.NoError(f.outbox.ProcessAll(ctx))
	// a second pass redelivers nothing and changes nothing
	require.NoError(f.outbox.ProcessAll(ctx))

	feed, err = f.ix.GetAuthorFeed(ctx, alice, 10, "")
	require.NoError(err)
	assert.Equal(int64(0), feed.Items[0].LikeCount)
	assert.Equal(int64(1), feed.Items[0].RepostCount)
}

func TestAggregatesCountTakenDownInteractions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := setup(t)
	require.NoError(f.outbox.Subscribe("aggregates", NewAggregator(f.db)))
	carol := "did:example:carol"

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("root"))
	f.mustCommit(t, alice, p1)
	f.mustCommit(t, bob, f.create(t, bob, lexicons.LikeNSID, "", subject(p1)))
	require.NoError(f.outbox.ProcessAll(ctx))

	// a hidden liker still counts, so counts do not depend on when the post was last recounted
	require.NoError(f.db.Model(&models.Repo{}).Where("did = ?", bob).Update("takedown_id", 9).Error)
	f.mustCommit(t, carol, f.create(t, carol, lexicons.LikeNSID, "", subject(p1)))
	require.NoError(f.outbox.ProcessAll(ctx))

	feed, err := f.ix.GetAuthorFeed(ctx, alice, 10, "")
	require.NoError(err)
	require.Len(feed.Items, 1)
	assert.Equal(int64(2), feed.Items[0].LikeCount)
}

type snapshot struct {
	Records  []models.Record
	Posts    []models.Post
	Likes    []models.Like
	Follows  []models.Follow
	Profiles []models.Profile
	Blobs    []models.RecordBlob
}

func takeSnapshot(t *testing.T, db *gorm.DB) *snapshot {
	var s snapshot
	require.NoError(t, db.Order("uri").Find(&s.Records).Error)
	require.NoError(t, db.Order("uri").Find(&s.Posts).Error)
	require.NoError(t, db.Order("uri").Find(&s.Likes).Error)
	require.NoError(t, db.Order("uri").Find(&s.Follows).Error)
	require.NoError(t, db.Order("uri").Find(&s.Profiles).Error)
	require.NoError(t, db.Order("record_uri, blob_cid").Find(&s.Blobs).Error)
	return &s
}

func (f *fixture) replay(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, f.ix.ResetIndexes(ctx))
	dids, err := f.store.ListRepos(ctx)
	require.NoError(t, err)
	for _, did := range dids {
		log, err := f.store.GetWriteLog(ctx, did, "", "")
		require.NoError(t, err)
		for _, cl := range log {
			require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
				_, err := f.ix.IndexWrites(ctx, tx, &cl.Commit, cl.Writes, cl.Commit.Time)
				return err
			}))
		}
	}
	require.NoError(t, f.ix.RestoreTakedowns(ctx))
}

func TestReplayMatchesLiveIndexing(t *testing.T) {
	f := setup(t)

	p1 := f.create(t, alice, lexicons.PostNSID, "3kaaaaaaaaa22", post("first"))
	avatar := map[string]any{
		"$type":    "blob",
		"ref":      map[string]any{"$link": "bafkreibme22gw2h7y2h7tg2fhqotaqjucnbc24deqo72b6mkl2egezxhvy"},
		"mimeType": "image/png",
		"size":     1234,
	}
	f.mustCommit(t, alice,
		p1,
		f.create(t, alice, lexicons.ProfileNSID, "self", map[string]any{"displayName": "Alice", "avatar": avatar}),
		f.create(t, alice, "com.example.unprojected", "k1", map[string]any{"n": 1}),
	)
	like := f.create(t, bob, lexicons.LikeNSID, "", subject(p1))
	f.mustCommit(t, bob, like, f.create(t, bob, lexicons.FollowNSID, "", map[string]any{"subject": alice, "createdAt": "2024-01-01T00:00:00Z"}))
	f.mustCommit(t, alice, f.update(t, alice, lexicons.PostNSID, p1.Rkey, post("second")))
	f.mustCommit(t, bob, f.del(t, bob, lexicons.LikeNSID, like.Rkey))
	f.mustCommit(t, alice,
		f.del(t, alice, "com.example.unprojected", "k1"),
		f.create(t, alice, "com.example.unprojected", "k1", map[string]any{"n": 2}),
	)

	// a record takedown survives the rebuild
	require.NoError(t, f.db.Create(&models.ModerationAction{
		ID:           5,
		Action:       models.ModerationActionTakedown,
		SubjectType:  models.SubjectTypeRecord,
		SubjectDid:   alice,
		SubjectUri:   ptr(p1.Uri()),
		Reason:       "test",
		CreatedAt:    time.Now(),
		CreatedByDid: "did:example:mod",
	}).Error)
	require.NoError(t, f.db.Model(&models.Record{}).Where("uri = ?", p1.Uri()).Update("takedown_id", 5).Error)

	live := takeSnapshot(t, f.db)
	assert.Len(t, live.Blobs, 1)

	f.replay(t)
	assert.Equal(t, live, takeSnapshot(t, f.db))

	f.replay(t)
	assert.Equal(t, live, takeSnapshot(t, f.db))
}

func ptr[T any](v T) *T {
	return &v
}
