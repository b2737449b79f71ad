package moderation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// Subject is what an action or report targets: a whole repo or a single record.
// RepoSubject and RecordSubject are the only implementations.
type Subject interface {
	// Did is the repo that owns the subject.
	Did() string
	isSubject()
}

type RepoSubject struct {
	Repo string
}

func (s RepoSubject) Did() string { return s.Repo }
func (RepoSubject) isSubject()    {}

// RecordSubject names a record by uri. When Cid is set, the record must currently be at
// that version for the subject to resolve.
type RecordSubject struct {
	Uri string
	Cid string
}

func (s RecordSubject) Did() string {
	u, err := syntax.ParseATURI(s.Uri)
	if err != nil {
		return ""
	}
	auth, err := u.Authority()
	if err != nil {
		return ""
	}
	return auth.String()
}

func (RecordSubject) isSubject() {}

// ParseSubject accepts a did or an at:// uri. cidStr only applies to record subjects.
func ParseSubject(ref, cidStr string) (Subject, error) {
	if strings.HasPrefix(ref, "at://") {
		return newRecordSubject(ref, cidStr)
	}
	if cidStr != "" {
		return nil, xrpcerr.Validation("a cid can only be given for a record subject")
	}
	if _, err := syntax.ParseDID(ref); err != nil {
		return nil, xrpcerr.ValidationWrap(err, "invalid subject did %q", ref)
	}
	return RepoSubject{Repo: ref}, nil
}

func newRecordSubject(uri, cidStr string) (RecordSubject, error) {
	u, err := syntax.ParseATURI(uri)
	if err != nil {
		return RecordSubject{}, xrpcerr.ValidationWrap(err, "invalid subject uri %q", uri)
	}
	auth, err := u.Authority()
	if err != nil || !auth.IsDID() {
		return RecordSubject{}, xrpcerr.Validation("subject uri must name a did: %s", uri)
	}
	if _, err := u.Collection(); err != nil {
		return RecordSubject{}, xrpcerr.Validation("subject uri must name a record: %s", uri)
	}
	if _, err := u.RecordKey(); err != nil {
		return RecordSubject{}, xrpcerr.Validation("subject uri must name a record: %s", uri)
	}
	if cidStr != "" {
		if _, err := cid.Decode(cidStr); err != nil {
			return RecordSubject{}, xrpcerr.ValidationWrap(err, "invalid subject cid %q", cidStr)
		}
	}
	return RecordSubject{Uri: uri, Cid: cidStr}, nil
}

type subjectJSON struct {
	Type string `json:"$type"`
	Did  string `json:"did,omitempty"`
	Uri  string `json:"uri,omitempty"`
	Cid  string `json:"cid,omitempty"`
}

// SubjectRef carries a Subject across the wire as
// {"$type":"com.atproto.repo.repoRef","did":...} or
// {"$type":"com.atproto.repo.recordRef","uri":...,"cid":...}.
type SubjectRef struct {
	Subject
}

func (r SubjectRef) MarshalJSON() ([]byte, error) {
	switch s := r.Subject.(type) {
	case RepoSubject:
		return json.Marshal(subjectJSON{Type: models.SubjectTypeRepo, Did: s.Repo})
	case RecordSubject:
		return json.Marshal(subjectJSON{Type: models.SubjectTypeRecord, Uri: s.Uri, Cid: s.Cid})
	default:
		return nil, fmt.Errorf("unknown subject type %T", r.Subject)
	}
}

func (r *SubjectRef) UnmarshalJSON(b []byte) error {
	var raw subjectJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return xrpcerr.ValidationWrap(err, "malformed subject")
	}
	switch raw.Type {
	case models.SubjectTypeRepo, "repoRef":
		if _, err := syntax.ParseDID(raw.Did); err != nil {
			return xrpcerr.ValidationWrap(err, "invalid subject did %q", raw.Did)
		}
		r.Subject = RepoSubject{Repo: raw.Did}
	case models.SubjectTypeRecord, "recordRef":
		s, err := newRecordSubject(raw.Uri, raw.Cid)
		if err != nil {
			return err
		}
		r.Subject = s
	default:
		return xrpcerr.Validation("unknown subject type %q", raw.Type)
	}
	return nil
}

// subjectOf rebuilds the subject stored on an action or report row.
func subjectOf(subjectType, did string, uri, c *string) Subject {
	if subjectType == models.SubjectTypeRecord && uri != nil {
		s := RecordSubject{Uri: *uri}
		if c != nil {
			s.Cid = *c
		}
		return s
	}
	return RepoSubject{Repo: did}
}

type ActionKind string

const (
	ActionAcknowledge ActionKind = models.ModerationActionAcknowledge
	ActionFlag        ActionKind = models.ModerationActionFlag
	ActionTakedown    ActionKind = models.ModerationActionTakedown
)

func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionAcknowledge, ActionFlag, ActionTakedown:
		return k, nil
	default:
		return "", xrpcerr.Validation("unknown action %q", s)
	}
}

// Gates reports whether the action hides its subject from reads.
func (k ActionKind) Gates() bool {
	return k == ActionTakedown
}

type ReasonType string

const (
	ReasonSpam  ReasonType = "spam"
	ReasonOther ReasonType = "other"
)

func ParseReasonType(s string) (ReasonType, error) {
	switch r := ReasonType(s); r {
	case ReasonSpam, ReasonOther:
		return r, nil
	default:
		return "", xrpcerr.Validation("unknown reason type %q", s)
	}
}
