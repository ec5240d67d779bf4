package domain

// Op is a comparison operator of a row predicate.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "<>"
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpIn     Op = "IN"
	OpIsNull Op = "IS NULL"
	// OpContains matches rows whose JSON array column contains Value.
	OpContains Op = "CONTAINS"
)

// Predicate filters rows on one column.
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

// LatestPerKey restricts a query to, for each distinct key, the row with the
// greatest revision not above MaxRevision.
type LatestPerKey struct {
	KeyColumns     []string
	RevisionColumn string
	MaxRevision    int64
}

// RevisionJoin joins the revision table to expose its timestamp.
type RevisionJoin struct {
	Table           string
	IDColumn        string
	TimestampColumn string
	As              string
}

// OrderBy sorts by a column of the queried table.
type OrderBy struct {
	Column string
	Desc   bool
}

// RowQuery is the generic, dialect-free query executed by the host runtime.
type RowQuery struct {
	Table   string
	Where   []Predicate
	Latest  *LatestPerKey
	Join    *RevisionJoin
	OrderBy []OrderBy
	Limit   int
	Offset  int
}
