// Package replication implements the Replication Client (spec.md §4.6): a
// persistent connection to the replication endpoint that authenticates,
// exchanges Transaction/Relation/Ack frames, and carries shape
// subscription requests and their data.
//
// Frames are encoded with google.golang.org/protobuf/encoding/protowire's
// low-level varint/length-delimited primitives rather than full
// protoc-generated message types: the wire shapes here are internal to
// this client and server pair, so there is no .proto IDL to generate
// from, but the encoding itself is standard protobuf wire format.
package replication

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the wire messages below. Kept in one block so the
// encode and decode sides can't drift against each other.
const (
	fieldTxOrigin    = 1
	fieldTxCommitTS  = 2
	fieldTxLSN       = 3
	fieldTxChanges   = 4
	fieldChangeData  = 1
	fieldChangeDDL   = 2
	fieldDCRelation  = 1
	fieldDCRecType   = 2
	fieldDCNewRecord = 3
	fieldDCOldRecord = 4
	fieldDCTags      = 5
	fieldDDLSQL      = 1
	fieldDDLTable    = 2
	fieldDDLMigType  = 3
	fieldDDLVersion  = 4

	fieldRelID        = 1
	fieldRelSchema    = 2
	fieldRelTable     = 3
	fieldRelTableType = 4
	fieldRelColumns   = 5
	fieldColName      = 1
	fieldColType      = 2
	fieldColNullable  = 3
	fieldColPK        = 4

	fieldAckLSN  = 1
	fieldAckKind = 2

	fieldSubReqID     = 1
	fieldSubReqShapes = 2
	fieldShapeReqID   = 1
	fieldShapeNS      = 2
	fieldShapeTable   = 3

	fieldSubRespID  = 1
	fieldSubRespErr = 2

	fieldSubDataID     = 1
	fieldSubDataLSN    = 2
	fieldSubDataTables = 3
	fieldTRNamespace   = 1
	fieldTRTable       = 2
	fieldTRTag         = 3
	fieldTRRows        = 4

	fieldSubErrID  = 1
	fieldSubErrMsg = 2

	fieldStartReqLSN       = 1
	fieldStartReqSchemaVer = 2
	fieldStartReqSubIDs    = 3

	fieldStartRespErrCode = 1
	fieldStartRespErrMsg  = 2
)

// wireTransaction mirrors model.Transaction for wire purposes: JSON-encoded
// row payloads travel inside protobuf length-delimited fields, so a schema
// change in the row shape never requires touching the framing code.
type wireTransaction struct {
	Origin          string
	CommitTimestamp int64
	LSN             []byte
	Changes         []wireChange
}

type wireChange struct {
	Data *wireDataChange
	DDL  *wireSchemaChange
}

type wireDataChange struct {
	Relation   string
	RecordType string
	NewRecord  []byte // JSON-encoded column map, absent for deletes
	OldRecord  []byte
	Tags       []string
}

type wireSchemaChange struct {
	SQL           string
	Table         string
	MigrationType string
	Version       string
}

func marshalTransaction(t wireTransaction) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTxOrigin, protowire.BytesType)
	b = protowire.AppendString(b, t.Origin)
	b = protowire.AppendTag(b, fieldTxCommitTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.CommitTimestamp))
	if len(t.LSN) > 0 {
		b = protowire.AppendTag(b, fieldTxLSN, protowire.BytesType)
		b = protowire.AppendBytes(b, t.LSN)
	}
	for _, c := range t.Changes {
		b = protowire.AppendTag(b, fieldTxChanges, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalChange(c))
	}
	return b
}

func marshalChange(c wireChange) []byte {
	var b []byte
	if c.Data != nil {
		b = protowire.AppendTag(b, fieldChangeData, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDataChange(*c.Data))
	}
	if c.DDL != nil {
		b = protowire.AppendTag(b, fieldChangeDDL, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSchemaChange(*c.DDL))
	}
	return b
}

func marshalDataChange(dc wireDataChange) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDCRelation, protowire.BytesType)
	b = protowire.AppendString(b, dc.Relation)
	b = protowire.AppendTag(b, fieldDCRecType, protowire.BytesType)
	b = protowire.AppendString(b, dc.RecordType)
	if len(dc.NewRecord) > 0 {
		b = protowire.AppendTag(b, fieldDCNewRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, dc.NewRecord)
	}
	if len(dc.OldRecord) > 0 {
		b = protowire.AppendTag(b, fieldDCOldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, dc.OldRecord)
	}
	for _, tag := range dc.Tags {
		b = protowire.AppendTag(b, fieldDCTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func marshalSchemaChange(s wireSchemaChange) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDDLSQL, protowire.BytesType)
	b = protowire.AppendString(b, s.SQL)
	b = protowire.AppendTag(b, fieldDDLTable, protowire.BytesType)
	b = protowire.AppendString(b, s.Table)
	b = protowire.AppendTag(b, fieldDDLMigType, protowire.BytesType)
	b = protowire.AppendString(b, s.MigrationType)
	b = protowire.AppendTag(b, fieldDDLVersion, protowire.BytesType)
	b = protowire.AppendString(b, s.Version)
	return b
}

func unmarshalTransaction(data []byte) (wireTransaction, error) {
	var t wireTransaction
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldTxOrigin:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("consume origin: %w", protowire.ParseError(n))
			}
			t.Origin = v
			data = data[n:]
		case fieldTxCommitTS:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return t, fmt.Errorf("consume commit ts: %w", protowire.ParseError(n))
			}
			t.CommitTimestamp = int64(v)
			data = data[n:]
		case fieldTxLSN:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, fmt.Errorf("consume lsn: %w", protowire.ParseError(n))
			}
			t.LSN = append([]byte(nil), v...)
			data = data[n:]
		case fieldTxChanges:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, fmt.Errorf("consume change: %w", protowire.ParseError(n))
			}
			c, err := unmarshalChange(v)
			if err != nil {
				return t, err
			}
			t.Changes = append(t.Changes, c)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return t, nil
}

func unmarshalChange(data []byte) (wireChange, error) {
	var c wireChange
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldChangeData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("consume data change: %w", protowire.ParseError(n))
			}
			dc, err := unmarshalDataChange(v)
			if err != nil {
				return c, err
			}
			c.Data = &dc
			data = data[n:]
		case fieldChangeDDL:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("consume schema change: %w", protowire.ParseError(n))
			}
			s, err := unmarshalSchemaChange(v)
			if err != nil {
				return c, err
			}
			c.DDL = &s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

func unmarshalDataChange(data []byte) (wireDataChange, error) {
	var dc wireDataChange
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return dc, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldDCRelation:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return dc, fmt.Errorf("consume relation: %w", protowire.ParseError(n))
			}
			dc.Relation = v
			data = data[n:]
		case fieldDCRecType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return dc, fmt.Errorf("consume record type: %w", protowire.ParseError(n))
			}
			dc.RecordType = v
			data = data[n:]
		case fieldDCNewRecord:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return dc, fmt.Errorf("consume new record: %w", protowire.ParseError(n))
			}
			dc.NewRecord = append([]byte(nil), v...)
			data = data[n:]
		case fieldDCOldRecord:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return dc, fmt.Errorf("consume old record: %w", protowire.ParseError(n))
			}
			dc.OldRecord = append([]byte(nil), v...)
			data = data[n:]
		case fieldDCTags:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return dc, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
			}
			dc.Tags = append(dc.Tags, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return dc, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return dc, nil
}

func unmarshalSchemaChange(data []byte) (wireSchemaChange, error) {
	var s wireSchemaChange
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldDDLSQL:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume sql: %w", protowire.ParseError(n))
			}
			s.SQL = v
			data = data[n:]
		case fieldDDLTable:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume table: %w", protowire.ParseError(n))
			}
			s.Table = v
			data = data[n:]
		case fieldDDLMigType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume migration type: %w", protowire.ParseError(n))
			}
			s.MigrationType = v
			data = data[n:]
		case fieldDDLVersion:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume version: %w", protowire.ParseError(n))
			}
			s.Version = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return s, nil
}

// wireColumn mirrors model.Column.
type wireColumn struct {
	Name       string
	Type       string
	IsNullable bool
	PrimaryKey bool
}

// wireRelation mirrors model.Relation for wire purposes.
type wireRelation struct {
	ID        int64
	Schema    string
	Table     string
	TableType string
	Columns   []wireColumn
}

// wireAck carries an LSN and the kind of acknowledgement it reports
// (spec.md §4.6 onAck(lsn, kind): localSend or remoteCommit).
type wireAck struct {
	LSN  []byte
	Kind string
}

type wireShapeRequest struct {
	RequestID string
	Namespace string
	Table     string
}

// wireSubscribeRequest is SubscribeReq(id, shapeReqs).
type wireSubscribeRequest struct {
	ID     string
	Shapes []wireShapeRequest
}

// wireSubscribeResponse is SubscribeResp(id, error?).
type wireSubscribeResponse struct {
	ID    string
	Error string
}

type wireTableRows struct {
	Namespace string
	Table     string
	Tag       string
	Rows      [][]byte // each a JSON-encoded column map
}

// wireSubscriptionData is SubscriptionData(id, lsn, data).
type wireSubscriptionData struct {
	ID     string
	LSN    []byte
	Tables []wireTableRows
}

// wireSubscriptionError is SubscriptionError(id?, error).
type wireSubscriptionError struct {
	ID    string
	Error string
}

// wireStartReplicationRequest is StartReplicationReq(lsn, schemaVersion,
// subscriptionIds?).
type wireStartReplicationRequest struct {
	LSN             []byte
	SchemaVersion   string
	SubscriptionIDs []string
}

// wireStartReplicationResponse is StartReplicationResp; ErrorCode is one
// of the error codes in spec.md §6 ("connectionFailed", "invalidPosition",
// "behindWindow", ...), empty on success.
type wireStartReplicationResponse struct {
	ErrorCode string
	ErrorMsg  string
}

func marshalRelation(r wireRelation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRelID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ID))
	b = protowire.AppendTag(b, fieldRelSchema, protowire.BytesType)
	b = protowire.AppendString(b, r.Schema)
	b = protowire.AppendTag(b, fieldRelTable, protowire.BytesType)
	b = protowire.AppendString(b, r.Table)
	b = protowire.AppendTag(b, fieldRelTableType, protowire.BytesType)
	b = protowire.AppendString(b, r.TableType)
	for _, c := range r.Columns {
		b = protowire.AppendTag(b, fieldRelColumns, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalColumn(c))
	}
	return b
}

func marshalColumn(c wireColumn) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldColName, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	b = protowire.AppendTag(b, fieldColType, protowire.BytesType)
	b = protowire.AppendString(b, c.Type)
	b = protowire.AppendTag(b, fieldColNullable, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(c.IsNullable))
	b = protowire.AppendTag(b, fieldColPK, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(c.PrimaryKey))
	return b
}

func boolToVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func unmarshalRelation(data []byte) (wireRelation, error) {
	var r wireRelation
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldRelID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("consume relation id: %w", protowire.ParseError(n))
			}
			r.ID = int64(v)
			data = data[n:]
		case fieldRelSchema:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume schema: %w", protowire.ParseError(n))
			}
			r.Schema = v
			data = data[n:]
		case fieldRelTable:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume table: %w", protowire.ParseError(n))
			}
			r.Table = v
			data = data[n:]
		case fieldRelTableType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume table type: %w", protowire.ParseError(n))
			}
			r.TableType = v
			data = data[n:]
		case fieldRelColumns:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("consume column: %w", protowire.ParseError(n))
			}
			c, err := unmarshalColumn(v)
			if err != nil {
				return r, err
			}
			r.Columns = append(r.Columns, c)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func unmarshalColumn(data []byte) (wireColumn, error) {
	var c wireColumn
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldColName:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return c, fmt.Errorf("consume column name: %w", protowire.ParseError(n))
			}
			c.Name = v
			data = data[n:]
		case fieldColType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return c, fmt.Errorf("consume column type: %w", protowire.ParseError(n))
			}
			c.Type = v
			data = data[n:]
		case fieldColNullable:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("consume nullable flag: %w", protowire.ParseError(n))
			}
			c.IsNullable = v != 0
			data = data[n:]
		case fieldColPK:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("consume pk flag: %w", protowire.ParseError(n))
			}
			c.PrimaryKey = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

func marshalAck(a wireAck) []byte {
	var b []byte
	if len(a.LSN) > 0 {
		b = protowire.AppendTag(b, fieldAckLSN, protowire.BytesType)
		b = protowire.AppendBytes(b, a.LSN)
	}
	b = protowire.AppendTag(b, fieldAckKind, protowire.BytesType)
	b = protowire.AppendString(b, a.Kind)
	return b
}

func unmarshalAck(data []byte) (wireAck, error) {
	var a wireAck
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldAckLSN:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, fmt.Errorf("consume ack lsn: %w", protowire.ParseError(n))
			}
			a.LSN = append([]byte(nil), v...)
			data = data[n:]
		case fieldAckKind:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return a, fmt.Errorf("consume ack kind: %w", protowire.ParseError(n))
			}
			a.Kind = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return a, nil
}

func marshalSubscribeRequest(r wireSubscribeRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSubReqID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	for _, s := range r.Shapes {
		b = protowire.AppendTag(b, fieldSubReqShapes, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalShapeRequest(s))
	}
	return b
}

func marshalShapeRequest(s wireShapeRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldShapeReqID, protowire.BytesType)
	b = protowire.AppendString(b, s.RequestID)
	b = protowire.AppendTag(b, fieldShapeNS, protowire.BytesType)
	b = protowire.AppendString(b, s.Namespace)
	b = protowire.AppendTag(b, fieldShapeTable, protowire.BytesType)
	b = protowire.AppendString(b, s.Table)
	return b
}

func unmarshalSubscribeRequest(data []byte) (wireSubscribeRequest, error) {
	var r wireSubscribeRequest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldSubReqID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume subscribe id: %w", protowire.ParseError(n))
			}
			r.ID = v
			data = data[n:]
		case fieldSubReqShapes:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("consume shape request: %w", protowire.ParseError(n))
			}
			s, err := unmarshalShapeRequest(v)
			if err != nil {
				return r, err
			}
			r.Shapes = append(r.Shapes, s)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func unmarshalShapeRequest(data []byte) (wireShapeRequest, error) {
	var s wireShapeRequest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldShapeReqID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume request id: %w", protowire.ParseError(n))
			}
			s.RequestID = v
			data = data[n:]
		case fieldShapeNS:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume namespace: %w", protowire.ParseError(n))
			}
			s.Namespace = v
			data = data[n:]
		case fieldShapeTable:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("consume table: %w", protowire.ParseError(n))
			}
			s.Table = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return s, nil
}

func marshalSubscribeResponse(r wireSubscribeResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSubRespID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	if r.Error != "" {
		b = protowire.AppendTag(b, fieldSubRespErr, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

func unmarshalSubscribeResponse(data []byte) (wireSubscribeResponse, error) {
	var r wireSubscribeResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldSubRespID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume subscribe response id: %w", protowire.ParseError(n))
			}
			r.ID = v
			data = data[n:]
		case fieldSubRespErr:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume subscribe response error: %w", protowire.ParseError(n))
			}
			r.Error = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func marshalSubscriptionData(d wireSubscriptionData) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSubDataID, protowire.BytesType)
	b = protowire.AppendString(b, d.ID)
	if len(d.LSN) > 0 {
		b = protowire.AppendTag(b, fieldSubDataLSN, protowire.BytesType)
		b = protowire.AppendBytes(b, d.LSN)
	}
	for _, t := range d.Tables {
		b = protowire.AppendTag(b, fieldSubDataTables, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTableRows(t))
	}
	return b
}

func marshalTableRows(t wireTableRows) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTRNamespace, protowire.BytesType)
	b = protowire.AppendString(b, t.Namespace)
	b = protowire.AppendTag(b, fieldTRTable, protowire.BytesType)
	b = protowire.AppendString(b, t.Table)
	b = protowire.AppendTag(b, fieldTRTag, protowire.BytesType)
	b = protowire.AppendString(b, t.Tag)
	for _, row := range t.Rows {
		b = protowire.AppendTag(b, fieldTRRows, protowire.BytesType)
		b = protowire.AppendBytes(b, row)
	}
	return b
}

func unmarshalSubscriptionData(data []byte) (wireSubscriptionData, error) {
	var d wireSubscriptionData
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return d, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldSubDataID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return d, fmt.Errorf("consume subscription data id: %w", protowire.ParseError(n))
			}
			d.ID = v
			data = data[n:]
		case fieldSubDataLSN:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return d, fmt.Errorf("consume subscription data lsn: %w", protowire.ParseError(n))
			}
			d.LSN = append([]byte(nil), v...)
			data = data[n:]
		case fieldSubDataTables:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return d, fmt.Errorf("consume table rows: %w", protowire.ParseError(n))
			}
			t, err := unmarshalTableRows(v)
			if err != nil {
				return d, err
			}
			d.Tables = append(d.Tables, t)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return d, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return d, nil
}

func unmarshalTableRows(data []byte) (wireTableRows, error) {
	var t wireTableRows
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldTRNamespace:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("consume namespace: %w", protowire.ParseError(n))
			}
			t.Namespace = v
			data = data[n:]
		case fieldTRTable:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("consume table: %w", protowire.ParseError(n))
			}
			t.Table = v
			data = data[n:]
		case fieldTRTag:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
			}
			t.Tag = v
			data = data[n:]
		case fieldTRRows:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, fmt.Errorf("consume row: %w", protowire.ParseError(n))
			}
			t.Rows = append(t.Rows, append([]byte(nil), v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return t, nil
}

func marshalSubscriptionError(e wireSubscriptionError) []byte {
	var b []byte
	if e.ID != "" {
		b = protowire.AppendTag(b, fieldSubErrID, protowire.BytesType)
		b = protowire.AppendString(b, e.ID)
	}
	b = protowire.AppendTag(b, fieldSubErrMsg, protowire.BytesType)
	b = protowire.AppendString(b, e.Error)
	return b
}

func unmarshalSubscriptionError(data []byte) (wireSubscriptionError, error) {
	var e wireSubscriptionError
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldSubErrID:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return e, fmt.Errorf("consume subscription error id: %w", protowire.ParseError(n))
			}
			e.ID = v
			data = data[n:]
		case fieldSubErrMsg:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return e, fmt.Errorf("consume subscription error message: %w", protowire.ParseError(n))
			}
			e.Error = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}

func marshalStartReplicationRequest(r wireStartReplicationRequest) []byte {
	var b []byte
	if len(r.LSN) > 0 {
		b = protowire.AppendTag(b, fieldStartReqLSN, protowire.BytesType)
		b = protowire.AppendBytes(b, r.LSN)
	}
	b = protowire.AppendTag(b, fieldStartReqSchemaVer, protowire.BytesType)
	b = protowire.AppendString(b, r.SchemaVersion)
	for _, id := range r.SubscriptionIDs {
		b = protowire.AppendTag(b, fieldStartReqSubIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

func unmarshalStartReplicationRequest(data []byte) (wireStartReplicationRequest, error) {
	var r wireStartReplicationRequest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldStartReqLSN:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("consume start request lsn: %w", protowire.ParseError(n))
			}
			r.LSN = append([]byte(nil), v...)
			data = data[n:]
		case fieldStartReqSchemaVer:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume schema version: %w", protowire.ParseError(n))
			}
			r.SchemaVersion = v
			data = data[n:]
		case fieldStartReqSubIDs:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume subscription id: %w", protowire.ParseError(n))
			}
			r.SubscriptionIDs = append(r.SubscriptionIDs, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func marshalStartReplicationResponse(r wireStartReplicationResponse) []byte {
	var b []byte
	if r.ErrorCode != "" {
		b = protowire.AppendTag(b, fieldStartRespErrCode, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorCode)
	}
	if r.ErrorMsg != "" {
		b = protowire.AppendTag(b, fieldStartRespErrMsg, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorMsg)
	}
	return b
}

func unmarshalStartReplicationResponse(data []byte) (wireStartReplicationResponse, error) {
	var r wireStartReplicationResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldStartRespErrCode:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume error code: %w", protowire.ParseError(n))
			}
			r.ErrorCode = v
			data = data[n:]
		case fieldStartRespErrMsg:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("consume error message: %w", protowire.ParseError(n))
			}
			r.ErrorMsg = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}
