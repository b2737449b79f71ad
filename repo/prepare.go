package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// SchemaValidator checks a normalized record against whatever schema is registered for
// its collection.
type SchemaValidator interface {
	Validate(ctx context.Context, collection string, record map[string]any) error
}

var recordPrefix = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Preparer turns raw write intents into PreparedWrites. It performs no I/O, so the same
// instance serves live writes and replay from repository history.
type Preparer struct {
	schemas SchemaValidator
	clock   *syntax.TIDClock
}

func NewPreparer(schemas SchemaValidator) *Preparer {
	clk := syntax.NewTIDClock(0)
	return &Preparer{
		schemas: schemas,
		clock:   &clk,
	}
}

// NextTID returns a fresh, monotonically increasing TID.
func (p *Preparer) NextTID() string {
	return p.clock.Next().String()
}

func (p *Preparer) Prepare(ctx context.Context, action Action, did, collection, rkey string, record map[string]any) (PreparedWrite, error) {
	switch action {
	case ActionCreate:
		return p.PrepareCreate(ctx, did, collection, rkey, record)
	case ActionUpdate:
		return p.PrepareUpdate(ctx, did, collection, rkey, record)
	case ActionDelete:
		return p.PrepareDelete(did, collection, rkey)
	default:
		return nil, xrpcerr.Validation("unknown write action: %q", action)
	}
}

// PrepareCreate mints a TID record key when rkey is empty.
func (p *Preparer) PrepareCreate(ctx context.Context, did, collection, rkey string, record map[string]any) (*PreparedCreate, error) {
	if rkey == "" {
		rkey = p.NextTID()
	}
	key, err := parseKey(did, collection, rkey)
	if err != nil {
		return nil, err
	}
	rd, err := p.prepareRecord(ctx, key, record)
	if err != nil {
		return nil, err
	}
	return &PreparedCreate{RecordKey: key, RecordData: *rd}, nil
}

func (p *Preparer) PrepareUpdate(ctx context.Context, did, collection, rkey string, record map[string]any) (*PreparedUpdate, error) {
	key, err := parseKey(did, collection, rkey)
	if err != nil {
		return nil, err
	}
	rd, err := p.prepareRecord(ctx, key, record)
	if err != nil {
		return nil, err
	}
	return &PreparedUpdate{RecordKey: key, RecordData: *rd}, nil
}

func (p *Preparer) PrepareDelete(did, collection, rkey string) (*PreparedDelete, error) {
	key, err := parseKey(did, collection, rkey)
	if err != nil {
		return nil, err
	}
	return &PreparedDelete{RecordKey: key}, nil
}

// PrepareFromCBOR rebuilds a write from stored DAG-CBOR bytes. The decoded record goes
// through the same normalization as a live write.
func (p *Preparer) PrepareFromCBOR(ctx context.Context, action Action, did, collection, rkey string, raw []byte) (PreparedWrite, error) {
	if action == ActionDelete {
		return p.PrepareDelete(did, collection, rkey)
	}

	rec, err := data.UnmarshalCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding stored record %s/%s: %w", collection, rkey, err)
	}
	return p.Prepare(ctx, action, did, collection, rkey, rec)
}

func parseKey(did, collection, rkey string) (RecordKey, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return RecordKey{}, xrpcerr.Validation("invalid repo did: %s", err)
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return RecordKey{}, xrpcerr.Validation("invalid collection: %s", err)
	}
	if _, err := syntax.ParseRecordKey(rkey); err != nil {
		return RecordKey{}, xrpcerr.Validation("invalid record key: %s", err)
	}
	return RecordKey{Did: did, Collection: collection, Rkey: rkey}, nil
}

func (p *Preparer) prepareRecord(ctx context.Context, key RecordKey, record map[string]any) (*RecordData, error) {
	if record == nil {
		return nil, xrpcerr.Validation("record is required for %s", key.Path())
	}

	rec, err := Normalize(record)
	if err != nil {
		return nil, xrpcerr.ValidationWrap(err, "invalid record data")
	}

	switch t := rec["$type"].(type) {
	case nil:
		rec["$type"] = key.Collection
	case string:
		if t != key.Collection {
			return nil, xrpcerr.Validation("invalid $type: expected %s, got %s", key.Collection, t)
		}
	}

	if p.schemas != nil {
		if err := p.schemas.Validate(ctx, key.Collection, rec); err != nil {
			return nil, xrpcerr.ValidationWrap(err, "invalid %s record", key.Collection)
		}
	}

	b, err := data.MarshalCBOR(rec)
	if err != nil {
		return nil, xrpcerr.ValidationWrap(err, "encoding record")
	}
	c, err := recordPrefix.Sum(b)
	if err != nil {
		return nil, err
	}

	return &RecordData{
		Cid:    c,
		Record: rec,
		Bytes:  b,
		Blobs:  ExtractBlobs(rec),
	}, nil
}

// Normalize round-trips a record through JSON into the atproto data model, so integers,
// blobs, links and bytes have a single in-memory representation.
func Normalize(record map[string]any) (map[string]any, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return data.UnmarshalJSON(b)
}

// ExtractBlobs walks a normalized record and returns every blob it references, in
// deterministic order and without duplicates.
func ExtractBlobs(rec map[string]any) []BlobRef {
	var out []BlobRef
	seen := make(map[cid.Cid]bool)
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case data.Blob:
			c := cid.Cid(v.Ref)
			if !seen[c] {
				seen[c] = true
				out = append(out, BlobRef{Cid: c, MimeType: v.MimeType, Size: v.Size})
			}
		case map[string]any:
			for _, k := range slices.Sorted(maps.Keys(v)) {
				walk(v[k])
			}
		case []any:
			for _, e := range v {
				walk(e)
			}
		}
	}
	walk(rec)
	return out
}
