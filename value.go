package tds

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects which variant of a Value is populated: a Null variant
// plus one per TDS value class, rather than a sql.NullXxx-per-field
// struct.
type Kind byte

const (
	KindNull Kind = iota
	KindBit
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindReal
	KindFloat
	KindDecimal // string-encoded to avoid float precision loss
	KindVarChar
	KindNVarChar
	KindDateTime
	KindDateTime2
	KindDateTimeOffset
	KindUniqueIdentifier
	KindBinary
	KindVarBinary
)

// Value is the tagged union returned for every column in a Row.
type Value struct {
	Kind Kind

	Bool    bool
	Int64   int64
	Float64 float64
	Str     string // Decimal, VarChar, NVarChar all carry their payload here
	Time    time.Time // DateTime/DateTime2/DateTimeOffset; offset carried via Time's Location
	UUID    uuid.UUID
	Bytes   []byte

	// Collation is the 5-byte collation tag carried by ColMetaData for
	// VarChar columns, retained since no collation-aware code-page table
	// is implemented here. Nil when the value did not come from a
	// VarChar/Char column, or no collation was captured.
	Collation []byte
}

// IsNull reports whether this value is SQL NULL.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

func nullValue() Value { return Value{Kind: KindNull} }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBit:
		return fmt.Sprintf("%t", v.Bool)
	case KindTinyInt, KindSmallInt, KindInt, KindBigInt:
		return fmt.Sprintf("%d", v.Int64)
	case KindReal, KindFloat:
		return fmt.Sprintf("%g", v.Float64)
	case KindDecimal, KindVarChar, KindNVarChar:
		return v.Str
	case KindUniqueIdentifier:
		return v.UUID.String()
	case KindBinary, KindVarBinary:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		return fmt.Sprintf("%v", v.Time)
	}
}

// Parameter is one outbound argument to Execute. Only the types a caller
// plausibly needs to bind are supported; anything else should go through
// Query with literal SQL.
type Parameter struct {
	Name  string // without the leading '@'
	Value Value
}

// SQLTypeName returns the T-SQL type declaration sp_executesql's parameter
// list expects for this parameter, e.g. "int", "nvarchar(4000)".
func (p Parameter) SQLTypeName() string {
	switch p.Value.Kind {
	case KindNull, KindNVarChar, KindVarChar:
		// VarChar values are transmitted as nvarchar (the driver holds
		// them as UTF-8 strings, not code-page bytes), so the
		// declaration matches what actually goes on the wire.
		return "nvarchar(4000)"
	case KindBit:
		return "bit"
	case KindTinyInt:
		return "tinyint"
	case KindSmallInt:
		return "smallint"
	case KindInt:
		return "int"
	case KindBigInt:
		return "bigint"
	case KindReal:
		return "real"
	case KindFloat:
		return "float"
	case KindUniqueIdentifier:
		return "uniqueidentifier"
	case KindVarBinary, KindBinary:
		return "varbinary(max)"
	default:
		return "nvarchar(4000)"
	}
}
