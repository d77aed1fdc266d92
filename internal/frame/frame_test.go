package frame

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type curLine struct {
	IdentityLineItemID string  `parquet:"identity_line_item_id"`
	AccountID          string  `parquet:"line_item_usage_account_id,optional"`
	UnblendedCost      float64 `parquet:"line_item_unblended_cost"`
	UsageAmount        int64   `parquet:"line_item_usage_amount"`
}

func writeCUR(t *testing.T, rows []curLine) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, rows))
	return buf.Bytes()
}

func TestReadWriteRoundTrip(t *testing.T) {
	data := writeCUR(t, []curLine{
		{IdentityLineItemID: "a", AccountID: "111111111111", UnblendedCost: 1.5, UsageAmount: 3},
		{IdentityLineItemID: "b", AccountID: "", UnblendedCost: 2.25, UsageAmount: 4},
	})

	fr, err := Read(data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"identity_line_item_id",
		"line_item_usage_account_id",
		"line_item_unblended_cost",
		"line_item_usage_amount",
	}, fr.ColumnNames())
	require.Len(t, fr.Rows, 2)

	acct := fr.Index("line_item_usage_account_id")
	require.GreaterOrEqual(t, acct, 0)
	assert.Equal(t, "111111111111", fr.Rows[0][acct].String())
	assert.True(t, fr.Rows[1][acct].IsNull())

	tag := "cc-1"
	fr.Columns = append(fr.Columns, StringColumn("account_tag_cost_center"))
	fr.Rows[0] = append(fr.Rows[0], StringValue(&tag))
	fr.Rows[1] = append(fr.Rows[1], StringValue(nil))

	out, err := fr.Bytes()
	require.NoError(t, err)

	back, err := Read(out)
	require.NoError(t, err)
	require.Len(t, back.Rows, 2)
	ci := back.Index("account_tag_cost_center")
	require.GreaterOrEqual(t, ci, 0)
	assert.Equal(t, "cc-1", back.Rows[0][ci].String())
	assert.True(t, back.Rows[1][ci].IsNull())

	cost := back.Index("line_item_unblended_cost")
	assert.Equal(t, 2.25, back.Rows[1][cost].Double())
	id := back.Index("identity_line_item_id")
	assert.Equal(t, "b", back.Rows[1][id].String())
}

func TestAthenaColumns(t *testing.T) {
	fr, err := Read(writeCUR(t, []curLine{{IdentityLineItemID: "a", AccountID: "1"}}))
	require.NoError(t, err)
	fr.Columns = append(fr.Columns, StringColumn("name"))

	types := map[string]string{}
	for _, c := range fr.AthenaColumns() {
		types[c.Name] = c.Type
	}
	assert.Equal(t, map[string]string{
		"identity_line_item_id":      "string",
		"line_item_usage_account_id": "string",
		"line_item_unblended_cost":   "double",
		"line_item_usage_amount":     "bigint",
		"name":                       "string",
	}, types)
}

func TestAthenaTypeKinds(t *testing.T) {
	tests := map[string]struct {
		node     parquet.Node
		expected string
	}{
		"boolean":   {node: parquet.Leaf(parquet.BooleanType), expected: "boolean"},
		"int32":     {node: parquet.Leaf(parquet.Int32Type), expected: "int"},
		"int96":     {node: parquet.Leaf(parquet.Int96Type), expected: "timestamp"},
		"float":     {node: parquet.Leaf(parquet.FloatType), expected: "float"},
		"date":      {node: parquet.Date(), expected: "date"},
		"timestamp": {node: parquet.Timestamp(parquet.Millisecond), expected: "timestamp"},
		"decimal":   {node: parquet.Decimal(2, 10, parquet.Int64Type), expected: "decimal(10,2)"},
		"bytes":     {node: parquet.Leaf(parquet.ByteArrayType), expected: "binary"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AthenaType(tt.node.Type()))
		})
	}
}
