package frame

import (
	"fmt"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/deprecated"
)

// AthenaType maps a parquet column type to the Glue/Athena column type.
func AthenaType(t parquet.Type) string {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil, lt.UUID != nil:
			return "string"
		case lt.Date != nil:
			return "date"
		case lt.Timestamp != nil:
			return "timestamp"
		case lt.Decimal != nil:
			return fmt.Sprintf("decimal(%d,%d)", lt.Decimal.Precision, lt.Decimal.Scale)
		case lt.Integer != nil:
			switch lt.Integer.BitWidth {
			case 8:
				return "tinyint"
			case 16:
				return "smallint"
			case 64:
				return "bigint"
			default:
				return "int"
			}
		}
	}
	if ct := t.ConvertedType(); ct != nil {
		switch *ct {
		case deprecated.UTF8, deprecated.Enum, deprecated.Json:
			return "string"
		case deprecated.Date:
			return "date"
		case deprecated.TimestampMillis, deprecated.TimestampMicros:
			return "timestamp"
		}
	}

	switch t.Kind() {
	case parquet.Boolean:
		return "boolean"
	case parquet.Int32:
		return "int"
	case parquet.Int64:
		return "bigint"
	case parquet.Int96:
		return "timestamp"
	case parquet.Float:
		return "float"
	case parquet.Double:
		return "double"
	default:
		return "binary"
	}
}

// AthenaColumn is a name and Athena type pair.
type AthenaColumn struct {
	Name string
	Type string
}

// AthenaColumns returns the frame columns with Athena types.
func (f *Frame) AthenaColumns() []AthenaColumn {
	out := make([]AthenaColumn, len(f.Columns))
	for i, c := range f.Columns {
		out[i] = AthenaColumn{Name: c.Name, Type: AthenaType(c.Type)}
	}
	return out
}
