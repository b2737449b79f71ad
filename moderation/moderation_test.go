package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/blobs"
	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/indexer"
	"github.com/bluesky-social/cirrus/internal/testutil"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/repomgr"
	"github.com/bluesky-social/cirrus/repostore"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	alice = "did:example:alice"
	bob   = "did:example:bob"
	mod   = "did:example:mod"
)

type fixture struct {
	db  *gorm.DB
	rm  *repomgr.RepoManager
	ix  *indexer.Indexer
	svc *Service
}

func setup(t *testing.T) *fixture {
	db := testutil.SetupDB(t)
	require.NoError(t, repostore.AutoMigrate(db))
	require.NoError(t, events.AutoMigrate(db))

	prep := repo.NewPreparer(lexicons.DefaultRegistry())
	store := repostore.NewStore(db, prep)
	ob := events.NewOutbox(db, nil)
	ix := indexer.NewIndexer(db, ob)
	bs, err := blobs.NewStore(blobs.NewMemoryTempStore(), blobs.NewMemoryBlockstore(), nil)
	require.NoError(t, err)
	rm := repomgr.NewRepoManager(db, prep, store, ix, ob, blobs.NewManager(db, bs), nil)

	svc := NewService(db)
	clock := testutil.NewClock()
	svc.now = clock.Now

	return &fixture{db: db, rm: rm, ix: ix, svc: svc}
}

func (f *fixture) post(t *testing.T, did, text string) (string, string) {
	uri, c, err := f.rm.CreateRecord(context.Background(), did, lexicons.PostNSID, "", map[string]any{
		"text":      text,
		"createdAt": "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	return uri, c.String()
}

func TestSubjectParsing(t *testing.T) {
	assert := assert.New(t)

	s, err := ParseSubject(alice, "")
	assert.NoError(err)
	assert.Equal(RepoSubject{Repo: alice}, s)

	s, err = ParseSubject("at://did:example:alice/app.bsky.feed.post/3kaaaaaaaaa22", "")
	assert.NoError(err)
	assert.Equal(alice, s.Did())

	_, err = ParseSubject(alice, "bafyreie5737gdxlw5i64vzichcalba3z2v5n6icifvx5xytvske7mr3hpm")
	assert.ErrorIs(err, xrpcerr.ErrValidation)
	_, err = ParseSubject("at://did:example:alice", "")
	assert.ErrorIs(err, xrpcerr.ErrValidation)
	_, err = ParseSubject("not a did", "")
	assert.ErrorIs(err, xrpcerr.ErrValidation)

	var ref SubjectRef
	assert.NoError(json.Unmarshal([]byte(`{"$type":"repoRef","did":"did:example:alice"}`), &ref))
	assert.Equal(RepoSubject{Repo: alice}, ref.Subject)

	assert.NoError(json.Unmarshal([]byte(`{"$type":"com.atproto.repo.recordRef","uri":"at://did:example:alice/app.bsky.feed.post/3kaaaaaaaaa22"}`), &ref))
	assert.Equal(RecordSubject{Uri: "at://did:example:alice/app.bsky.feed.post/3kaaaaaaaaa22"}, ref.Subject)

	out, err := json.Marshal(SubjectRef{RepoSubject{Repo: alice}})
	assert.NoError(err)
	assert.JSONEq(`{"$type":"com.atproto.repo.repoRef","did":"did:example:alice"}`, string(out))

	assert.ErrorIs(json.Unmarshal([]byte(`{"$type":"blobRef"}`), &ref), xrpcerr.ErrValidation)

	_, err = ParseActionKind("delete")
	assert.ErrorIs(err, xrpcerr.ErrValidation)
	k, err := ParseActionKind("takedown")
	assert.NoError(err)
	assert.True(k.Gates())
	assert.False(ActionFlag.Gates())

	_, err = ParseReasonType("rude")
	assert.ErrorIs(err, xrpcerr.ErrValidation)
}

func TestReportScenario(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Report(ctx, ReportInput{
		ReasonType: ReasonSpam,
		Subject:    RepoSubject{Repo: "did:example:ghost"},
		ReportedBy: bob,
	})
	require.ErrorIs(err, xrpcerr.ErrNotFound)
	assert.Contains(err.Error(), "Repo not found")

	uri, c := f.post(t, alice, "hello")
	f.post(t, bob, "unrelated")

	rep, err := f.svc.Report(ctx, ReportInput{
		ReasonType: ReasonOther,
		Reason:     "rude",
		Subject:    RecordSubject{Uri: uri, Cid: c},
		ReportedBy: bob,
	})
	require.NoError(err)
	assert.Equal(alice, rep.SubjectDid)
	assert.Equal(c, *rep.SubjectCid)

	_, err = f.svc.Report(ctx, ReportInput{
		ReasonType: ReasonOther,
		Subject:    RecordSubject{Uri: uri, Cid: "bafyreie5737gdxlw5i64vzichcalba3z2v5n6icifvx5xytvske7mr3hpm"},
		ReportedBy: bob,
	})
	assert.ErrorIs(err, xrpcerr.ErrNotFound, "a stale cid does not resolve")

	bobReport, err := f.svc.Report(ctx, ReportInput{
		ReasonType: ReasonSpam,
		Subject:    RepoSubject{Repo: bob},
		ReportedBy: alice,
	})
	require.NoError(err)

	act, err := f.svc.LogAction(ctx, LogActionInput{
		Action:    ActionTakedown,
		Subject:   RepoSubject{Repo: alice},
		Reason:    "spam",
		CreatedBy: mod,
	})
	require.NoError(err)

	err = f.svc.ResolveReports(ctx, []uint64{rep.ID, bobReport.ID}, act.ID, mod, time.Time{})
	var xe *xrpcerr.Error
	require.ErrorAs(err, &xe)
	assert.Equal(xrpcerr.KindResolutionMismatch, xe.Kind)
	assert.Equal(bobReport.ID, xe.ReportID)

	var n int64
	require.NoError(f.db.Model(&models.ModerationReportResolution{}).Count(&n).Error)
	assert.Equal(int64(0), n, "a failed resolution links nothing")
}

func TestResolutionInvariants(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)
	ctx := context.Background()

	uri1, _ := f.post(t, alice, "one")
	uri2, _ := f.post(t, alice, "two")

	report := func(s Subject) uint64 {
		r, err := f.svc.Report(ctx, ReportInput{ReasonType: ReasonSpam, Subject: s, ReportedBy: bob})
		require.NoError(err)
		return r.ID
	}
	onRepo := report(RepoSubject{Repo: alice})
	onRec1 := report(RecordSubject{Uri: uri1})
	onRec2 := report(RecordSubject{Uri: uri2})

	flagRec1, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionFlag, Subject: RecordSubject{Uri: uri1}, Reason: "look", CreatedBy: mod})
	require.NoError(err)
	ackRepo, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionAcknowledge, Subject: RepoSubject{Repo: alice}, Reason: "seen", CreatedBy: mod})
	require.NoError(err)

	// a record action resolves repo reports of the same did, and its own record
	require.NoError(f.svc.ResolveReports(ctx, []uint64{onRepo, onRec1}, flagRec1.ID, mod, time.Time{}))
	// different record uris never match
	assert.ErrorIs(f.svc.ResolveReports(ctx, []uint64{onRec2}, flagRec1.ID, mod, time.Time{}), xrpcerr.ErrResolutionMismatch)
	// a repo action resolves any report on the repo
	require.NoError(f.svc.ResolveReports(ctx, []uint64{onRec1, onRec2}, ackRepo.ID, mod, time.Time{}))
	// duplicates are ignored
	require.NoError(f.svc.ResolveReports(ctx, []uint64{onRepo, onRec1}, flagRec1.ID, mod, time.Time{}))

	assert.ErrorIs(f.svc.ResolveReports(ctx, []uint64{onRepo}, 999, mod, time.Time{}), xrpcerr.ErrNotFound)
	assert.ErrorIs(f.svc.ResolveReports(ctx, []uint64{999}, ackRepo.ID, mod, time.Time{}), xrpcerr.ErrNotFound)
	assert.NoError(f.svc.ResolveReports(ctx, nil, ackRepo.ID, mod, time.Time{}))

	av, err := f.svc.GetAction(ctx, flagRec1.ID)
	require.NoError(err)
	assert.Equal([]uint64{onRec1, onRepo}, av.ResolvedReportIds)
	assert.Equal(RecordSubject{Uri: uri1, Cid: *flagRec1.SubjectCid}, av.Subject.Subject)

	rv, err := f.svc.GetReport(ctx, onRec1)
	require.NoError(err)
	assert.Equal([]uint64{ackRepo.ID, flagRec1.ID}, rv.ResolvedByActionIds)

	yes, no := true, false
	resolved, err := f.svc.GetReports(ctx, ReportListParams{Resolved: &yes})
	require.NoError(err)
	assert.Len(resolved.Items, 3)
	unresolved, err := f.svc.GetReports(ctx, ReportListParams{Resolved: &no})
	require.NoError(err)
	assert.Empty(unresolved.Items)

	_, err = f.svc.GetReport(ctx, 999)
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
}

func TestTakedownGating(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)
	ctx := context.Background()

	uri, c := f.post(t, alice, "visible?")

	repoDown, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: alice}, Reason: "x", CreatedBy: mod})
	require.NoError(err)

	_, err = f.ix.GetRecord(ctx, uri, "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	_, err = f.ix.GetProfile(ctx, alice)
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	down, err := f.svc.IsTakenDown(ctx, RecordSubject{Uri: uri})
	require.NoError(err)
	assert.True(down)

	// a second takedown on an already hidden repo leaves the first in charge
	second, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: alice}, Reason: "y", CreatedBy: mod})
	require.NoError(err)
	var r models.Repo
	require.NoError(f.db.First(&r, "did = ?", alice).Error)
	assert.Equal(repoDown.ID, *r.TakedownID)

	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: second.ID, Reason: "dup", CreatedBy: mod})
	require.NoError(err)
	_, err = f.ix.GetRecord(ctx, uri, "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound, "reversing the idle takedown changes nothing")

	rev, err := f.svc.LogReverseAction(ctx, ReverseInput{ID: repoDown.ID, Reason: "appeal", CreatedBy: mod})
	require.NoError(err)
	assert.True(rev.IsReversed())
	assert.Equal("appeal", *rev.ReversedReason)

	view, err := f.ix.GetRecord(ctx, uri, "")
	require.NoError(err)
	assert.Equal(c, view.Cid, "payload and cid are untouched by a takedown")

	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: repoDown.ID, Reason: "again", CreatedBy: mod})
	assert.ErrorIs(err, xrpcerr.ErrValidation)
	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: 999, CreatedBy: mod})
	assert.ErrorIs(err, xrpcerr.ErrNotFound)

	// record takedowns hide only that record
	other, _ := f.post(t, alice, "still here")
	recDown, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RecordSubject{Uri: uri, Cid: c}, Reason: "x", CreatedBy: mod})
	require.NoError(err)
	_, err = f.ix.GetRecord(ctx, uri, "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
	_, err = f.ix.GetRecord(ctx, other, "")
	assert.NoError(err)
	feed, err := f.ix.GetAuthorFeed(ctx, alice, 0, "")
	require.NoError(err)
	require.Len(feed.Items, 1)
	assert.Equal(other, feed.Items[0].Uri)

	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: recDown.ID, Reason: "ok", CreatedBy: mod})
	require.NoError(err)
	_, err = f.ix.GetRecord(ctx, uri, "")
	assert.NoError(err)

	_, err = f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: "did:example:ghost"}, CreatedBy: mod})
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
}

func TestStackedTakedowns(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)
	ctx := context.Background()

	uri, c := f.post(t, alice, "hidden twice")
	takedownID := func() *uint64 {
		var r models.Repo
		require.NoError(f.db.First(&r, "did = ?", alice).Error)
		return r.TakedownID
	}

	first, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: alice}, Reason: "spam", CreatedBy: mod})
	require.NoError(err)
	second, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: alice}, Reason: "abuse", CreatedBy: mod})
	require.NoError(err)
	require.NotNil(takedownID())
	assert.Equal(first.ID, *takedownID())

	// lifting the active takedown hands the repo to the one still standing
	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: first.ID, Reason: "appeal", CreatedBy: mod})
	require.NoError(err)
	require.NotNil(takedownID())
	assert.Equal(second.ID, *takedownID())
	_, err = f.ix.GetRecord(ctx, uri, "")
	assert.ErrorIs(err, xrpcerr.ErrNotFound)

	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: second.ID, Reason: "appeal", CreatedBy: mod})
	require.NoError(err)
	assert.Nil(takedownID())
	view, err := f.ix.GetRecord(ctx, uri, "")
	require.NoError(err)
	assert.Equal(c, view.Cid)

	// the same holds for records, and a repo takedown is not a successor for one
	recFirst, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RecordSubject{Uri: uri, Cid: c}, Reason: "x", CreatedBy: mod})
	require.NoError(err)
	recSecond, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RecordSubject{Uri: uri}, Reason: "y", CreatedBy: mod})
	require.NoError(err)
	_, err = f.svc.LogAction(ctx, LogActionInput{Action: ActionTakedown, Subject: RepoSubject{Repo: alice}, Reason: "z", CreatedBy: mod})
	require.NoError(err)

	recordTakedown := func() *uint64 {
		var r models.Record
		require.NoError(f.db.First(&r, "uri = ?", uri).Error)
		return r.TakedownID
	}
	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: recFirst.ID, Reason: "ok", CreatedBy: mod})
	require.NoError(err)
	require.NotNil(recordTakedown())
	assert.Equal(recSecond.ID, *recordTakedown())
	_, err = f.svc.LogReverseAction(ctx, ReverseInput{ID: recSecond.ID, Reason: "ok", CreatedBy: mod})
	require.NoError(err)
	assert.Nil(recordTakedown())
}

func TestListPagination(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := setup(t)
	ctx := context.Background()

	f.post(t, alice, "a")
	f.post(t, bob, "b")

	var ids []uint64
	for i := 0; i < 6; i++ {
		did := alice
		if i%3 == 2 {
			did = bob
		}
		act, err := f.svc.LogAction(ctx, LogActionInput{Action: ActionFlag, Subject: RepoSubject{Repo: did}, Reason: fmt.Sprint(i), CreatedBy: mod})
		require.NoError(err)
		ids = append(ids, act.ID)
	}

	var seen []uint64
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(pages, 4)
		page, err := f.svc.GetActions(ctx, ListParams{Limit: 3, Before: cursor})
		require.NoError(err)
		if len(page.Items) == 0 {
			assert.Empty(page.Cursor)
			break
		}
		for _, a := range page.Items {
			seen = append(seen, a.ID)
		}
		cursor = page.Cursor
	}
	assert.Equal([]uint64{ids[5], ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	bobs, err := f.svc.GetActions(ctx, ListParams{Subject: bob})
	require.NoError(err)
	require.Len(bobs.Items, 2)
	assert.Equal(ids[5], bobs.Items[0].ID)
	assert.Equal(fmt.Sprint(ids[2]), bobs.Cursor, "a short page still carries its last id")
	rest, err := f.svc.GetActions(ctx, ListParams{Subject: bob, Before: bobs.Cursor})
	require.NoError(err)
	assert.Empty(rest.Items)
	assert.Empty(rest.Cursor)

	_, err = f.svc.GetActions(ctx, ListParams{Before: "abc"})
	assert.ErrorIs(err, xrpcerr.ErrMalformedCursor)
	_, err = f.svc.GetReports(ctx, ReportListParams{ListParams: ListParams{Before: "1.5"}})
	assert.ErrorIs(err, xrpcerr.ErrMalformedCursor)

	_, err = f.svc.GetAction(ctx, 999)
	assert.ErrorIs(err, xrpcerr.ErrNotFound)
}
