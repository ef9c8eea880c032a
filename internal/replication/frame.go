package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/electric-sql/satellite/internal/satellite/model"
)

// maxFrameBytes bounds a single frame so a corrupt or hostile length
// prefix can't make readFrame allocate without limit.
const maxFrameBytes = 64 << 20

type frameKind uint8

const (
	frameTransaction frameKind = iota + 1
	frameRelation
	frameAck
	frameSubscribeRequest
	frameSubscriptionData
	frameSubscriptionError
	frameError
	frameStartReplicationRequest
	frameStartReplicationResponse
	frameSubscribeResponse
	frameStopReplication
)

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// (counting the kind byte and the payload, not the prefix itself), a
// 1-byte kind, then the payload.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)+1))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameBytes {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}
	return frameKind(body[0]), body[1:], nil
}

func toWireTransaction(t model.Transaction) (wireTransaction, error) {
	wt := wireTransaction{
		Origin:          t.Origin,
		CommitTimestamp: t.CommitTimestamp,
		LSN:             t.LSN,
		Changes:         make([]wireChange, 0, len(t.Changes)),
	}
	for _, c := range t.Changes {
		wc, err := toWireChange(c)
		if err != nil {
			return wireTransaction{}, err
		}
		wt.Changes = append(wt.Changes, wc)
	}
	return wt, nil
}

func toWireChange(c model.Change) (wireChange, error) {
	var wc wireChange
	if c.Data != nil {
		newRec, err := encodeOptionalColumns(c.Data.NewRecord)
		if err != nil {
			return wc, err
		}
		oldRec, err := encodeOptionalColumns(c.Data.OldRecord)
		if err != nil {
			return wc, err
		}
		wc.Data = &wireDataChange{
			Relation:   c.Data.Relation,
			RecordType: string(c.Data.RecordType),
			NewRecord:  newRec,
			OldRecord:  oldRec,
			Tags:       c.Data.Tags,
		}
	}
	if c.DDL != nil {
		wc.DDL = &wireSchemaChange{
			SQL:           c.DDL.SQL,
			Table:         c.DDL.Table,
			MigrationType: string(c.DDL.MigrationType),
			Version:       c.DDL.Version,
		}
	}
	return wc, nil
}

func encodeOptionalColumns(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	s, err := model.EncodeColumns(m)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func fromWireTransaction(wt wireTransaction) (model.Transaction, error) {
	t := model.Transaction{
		Origin:          wt.Origin,
		CommitTimestamp: wt.CommitTimestamp,
		LSN:             wt.LSN,
		Changes:         make([]model.Change, 0, len(wt.Changes)),
	}
	for _, wc := range wt.Changes {
		c, err := fromWireChange(wc)
		if err != nil {
			return t, err
		}
		t.Changes = append(t.Changes, c)
	}
	return t, nil
}

func fromWireChange(wc wireChange) (model.Change, error) {
	var c model.Change
	if wc.Data != nil {
		newRec, err := model.DecodeColumns(string(wc.Data.NewRecord))
		if err != nil {
			return c, err
		}
		oldRec, err := model.DecodeColumns(string(wc.Data.OldRecord))
		if err != nil {
			return c, err
		}
		c.Data = &model.DataChange{
			Relation:   wc.Data.Relation,
			RecordType: model.RecordType(wc.Data.RecordType),
			NewRecord:  newRec,
			OldRecord:  oldRec,
			Tags:       wc.Data.Tags,
		}
	}
	if wc.DDL != nil {
		c.DDL = &model.SchemaChange{
			SQL:           wc.DDL.SQL,
			Table:         wc.DDL.Table,
			MigrationType: model.MigrationType(wc.DDL.MigrationType),
			Version:       wc.DDL.Version,
		}
	}
	return c, nil
}

func toWireRelation(r model.Relation) wireRelation {
	wr := wireRelation{ID: r.ID, Schema: r.Schema, Table: r.Table, TableType: r.TableType}
	for _, c := range r.Columns {
		wr.Columns = append(wr.Columns, wireColumn{
			Name: c.Name, Type: c.Type, IsNullable: c.IsNullable, PrimaryKey: c.PrimaryKey,
		})
	}
	return wr
}

func fromWireRelation(wr wireRelation) model.Relation {
	r := model.Relation{ID: wr.ID, Schema: wr.Schema, Table: wr.Table, TableType: wr.TableType}
	for _, c := range wr.Columns {
		r.Columns = append(r.Columns, model.Column{
			Name: c.Name, Type: c.Type, IsNullable: c.IsNullable, PrimaryKey: c.PrimaryKey,
		})
	}
	return r
}

func toWireShapeRequests(reqs []model.ShapeRequest) []wireShapeRequest {
	out := make([]wireShapeRequest, len(reqs))
	for i, r := range reqs {
		out[i] = wireShapeRequest{RequestID: r.RequestID, Namespace: r.Definition.Namespace, Table: r.Definition.Table}
	}
	return out
}

func fromWireShapeRequests(reqs []wireShapeRequest) []model.ShapeRequest {
	out := make([]model.ShapeRequest, len(reqs))
	for i, r := range reqs {
		out[i] = model.ShapeRequest{
			RequestID:  r.RequestID,
			Definition: model.ShapeDefinition{Namespace: r.Namespace, Table: r.Table},
		}
	}
	return out
}
