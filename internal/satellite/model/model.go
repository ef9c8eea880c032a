// Package model holds the data types spec.md §3 defines for the wire and
// in-memory representation of replicated changes — Transaction, Change,
// Relation, and Subscription — shared by every component so the
// Snapshotter, Applier, Subscription Manager, and Replication Client agree
// on one vocabulary without importing each other.
package model

// RecordType enumerates the kinds of DataChange.
type RecordType string

const (
	RecordInsert RecordType = "INSERT"
	RecordUpdate RecordType = "UPDATE"
	RecordDelete RecordType = "DELETE"
)

// DataChange is a single row-level change within a transaction.
type DataChange struct {
	Relation   string
	RecordType RecordType
	NewRecord  map[string]any // present for INSERT/UPDATE
	OldRecord  map[string]any // present for UPDATE/DELETE
	Tags       []string
}

// MigrationType enumerates DDL change kinds.
type MigrationType string

const (
	MigrationCreateTable MigrationType = "create_table"
	MigrationAlterTable  MigrationType = "alter_table"
	MigrationOther       MigrationType = "other"
)

// SchemaChange is a single DDL statement within a transaction.
type SchemaChange struct {
	SQL           string
	Table         string
	MigrationType MigrationType
	Version       string
}

// Change is either a DataChange or a SchemaChange; exactly one of the two
// fields is non-nil.
type Change struct {
	Data *DataChange
	DDL  *SchemaChange
}

// IsDDL reports whether this change carries a schema change.
func (c Change) IsDDL() bool { return c.DDL != nil }

// Transaction is a committed set of changes from one origin, identified by
// an opaque LSN for ordering.
type Transaction struct {
	Origin          string // clientId of the node that committed this tx
	CommitTimestamp int64  // ms since epoch
	LSN             []byte
	Changes         []Change
}

// Column describes one column of a Relation.
type Column struct {
	Name       string
	Type       string
	IsNullable bool
	PrimaryKey bool
}

// Relation is the server's view of a table's shape, used to validate and
// decode inbound changes. The relation cache (merge.Applier) is filled
// lazily from pragma_table_info per table on first use, not at startup;
// inbound Relation messages are only logged and do not patch it.
type Relation struct {
	ID        int64
	Schema    string
	Table     string
	TableType string
	Columns   []Column
}

// PrimaryKeyColumns returns r's primary-key column names in declared order.
func (r Relation) PrimaryKeyColumns() []string {
	var pk []string
	for _, c := range r.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// SubscriptionState enumerates the lifecycle of a shape subscription.
type SubscriptionState string

const (
	SubRequested SubscriptionState = "requested"
	SubDelivered SubscriptionState = "delivered"
	SubCancelled SubscriptionState = "cancelled"
)

// ShapeRequest identifies one whole-table shape within a subscription.
type ShapeRequest struct {
	RequestID  string
	Definition ShapeDefinition
}

// ShapeDefinition names the table a shape subscribes to. Only whole-table
// subscriptions are in scope (spec.md §1 Non-goals): no filter predicate.
type ShapeDefinition struct {
	Namespace string
	Table     string
}

// Subscription tracks a set of shape requests made together.
type Subscription struct {
	ID             string
	ShapeRequests  []ShapeRequest
	State          SubscriptionState
}
