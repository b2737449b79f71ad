package main

import (
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/moderation"

	"github.com/stretchr/testify/assert"
)

func TestActionTree(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	v := &moderation.ActionView{
		ID:     7,
		Action: "takedown",
		Subject: moderation.SubjectRef{Subject: moderation.RecordSubject{
			Uri: "at://did:example:alice/app.bsky.feed.post/3kaaaaaaaaa22",
		}},
		Reason:            "spam wave",
		CreatedBy:         "did:example:mod",
		CreatedAt:         at,
		Reversal:          &moderation.Reversal{Reason: "appeal", CreatedBy: "did:example:mod", CreatedAt: at},
		ResolvedReportIds: []uint64{3, 1},
	}

	out := actionTree(v).String()
	assert.Contains(t, out, "action 7: takedown")
	assert.Contains(t, out, "record at://did:example:alice/app.bsky.feed.post/3kaaaaaaaaa22")
	assert.Contains(t, out, "by did:example:mod at 2024-01-02T03:04:05Z")
	assert.Contains(t, out, "reason: appeal")
	assert.Contains(t, out, "resolved reports")
	assert.NotContains(t, out, "cid ")
}
