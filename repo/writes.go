package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

type Action string

const (
	ActionCreate = Action("create")
	ActionUpdate = Action("update")
	ActionDelete = Action("delete")
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown write action: %q", s)
	}
}

// RecordKey addresses one record within a repo.
type RecordKey struct {
	Did        string
	Collection string
	Rkey       string
}

func (k RecordKey) Uri() string {
	return fmt.Sprintf("at://%s/%s/%s", k.Did, k.Collection, k.Rkey)
}

func (k RecordKey) Path() string {
	return k.Collection + "/" + k.Rkey
}

// BlobRef is a blob referenced from a record payload.
type BlobRef struct {
	Cid      cid.Cid
	MimeType string
	Size     int64
}

// PreparedWrite is a validated, hash-computed operation ready to be applied.
// Implementations are *PreparedCreate, *PreparedUpdate and *PreparedDelete.
type PreparedWrite interface {
	Key() RecordKey
	Action() Action
	Accept(v WriteVisitor) error

	sealed()
}

// WriteVisitor must handle every write variant.
type WriteVisitor interface {
	VisitCreate(w *PreparedCreate) error
	VisitUpdate(w *PreparedUpdate) error
	VisitDelete(w *PreparedDelete) error
}

// RecordData is the normalized payload shared by creates and updates.
type RecordData struct {
	Cid    cid.Cid
	Record map[string]any
	Bytes  []byte
	Blobs  []BlobRef
}

type PreparedCreate struct {
	RecordKey
	RecordData
}

type PreparedUpdate struct {
	RecordKey
	RecordData
}

type PreparedDelete struct {
	RecordKey
}

func (w *PreparedCreate) Key() RecordKey              { return w.RecordKey }
func (w *PreparedCreate) Action() Action              { return ActionCreate }
func (w *PreparedCreate) Accept(v WriteVisitor) error { return v.VisitCreate(w) }
func (w *PreparedCreate) sealed()                     {}

func (w *PreparedUpdate) Key() RecordKey              { return w.RecordKey }
func (w *PreparedUpdate) Action() Action              { return ActionUpdate }
func (w *PreparedUpdate) Accept(v WriteVisitor) error { return v.VisitUpdate(w) }
func (w *PreparedUpdate) sealed()                     {}

func (w *PreparedDelete) Key() RecordKey              { return w.RecordKey }
func (w *PreparedDelete) Action() Action              { return ActionDelete }
func (w *PreparedDelete) Accept(v WriteVisitor) error { return v.VisitDelete(w) }
func (w *PreparedDelete) sealed()                     {}

// Data returns the payload of a create or update, and nil for a delete.
func Data(w PreparedWrite) *RecordData {
	switch w := w.(type) {
	case *PreparedCreate:
		return &w.RecordData
	case *PreparedUpdate:
		return &w.RecordData
	default:
		return nil
	}
}
