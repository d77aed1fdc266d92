// Package merge joins account tags onto CUR rows in memory and writes the
// enriched partitions back to S3.
package merge

import (
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"

	"curenrich/internal/columns"
	"curenrich/internal/frame"
	"curenrich/internal/tagtable"
)

// DefaultPartition is the hive directory value for a null partition key.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

type Options struct {
	Filter             columns.Filter
	PartitionByAccount bool
}

// Join left joins the tag table onto src by account id. Rows without a
// matching account keep null tag values. Columns follow columns.Select.
func Join(src *frame.Frame, tags *tagtable.Table, opts Options) (*frame.Frame, error) {
	acct := src.Index(columns.AccountColumn)
	if acct < 0 {
		return nil, fmt.Errorf("source has no %s column", columns.AccountColumn)
	}

	sel := columns.Select(opts.Filter, src.ColumnNames(), tags.Columns, opts.PartitionByAccount)

	out := &frame.Frame{Skipped: src.Skipped}
	srcIdx := make([]int, 0, len(sel.Fields)+1)
	for _, name := range sel.Fields {
		i := src.Index(name)
		out.Columns = append(out.Columns, src.Columns[i])
		srcIdx = append(srcIdx, i)
	}
	tagIdx := make([]int, len(sel.Tags))
	for i, name := range sel.Tags {
		tagIdx[i] = tags.ColumnIndex(name)
		out.Columns = append(out.Columns, frame.StringColumn(name))
	}
	if sel.AccountLast {
		out.Columns = append(out.Columns, src.Columns[acct])
	}

	out.Rows = make([][]parquet.Value, 0, len(src.Rows))
	for _, r := range src.Rows {
		row := make([]parquet.Value, 0, len(out.Columns))
		for _, i := range srcIdx {
			row = append(row, r[i])
		}
		tagRow, ok := tags.Lookup(accountID(r[acct]))
		for _, ti := range tagIdx {
			if !ok {
				row = append(row, parquet.NullValue())
				continue
			}
			row = append(row, frame.StringValue(tagRow[ti]))
		}
		if sel.AccountLast {
			row = append(row, r[acct])
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// AccountFrame is the slice of a frame belonging to one account.
type AccountFrame struct {
	AccountID string
	Frame     *frame.Frame
}

// SplitByAccount groups rows by account id, dropping the account column.
// Null and empty ids land under DefaultPartition. Groups are sorted by id.
func SplitByAccount(f *frame.Frame) ([]AccountFrame, error) {
	acct := f.Index(columns.AccountColumn)
	if acct < 0 {
		return nil, fmt.Errorf("frame has no %s column", columns.AccountColumn)
	}

	cols := make([]frame.Column, 0, len(f.Columns)-1)
	cols = append(cols, f.Columns[:acct]...)
	cols = append(cols, f.Columns[acct+1:]...)

	groups := map[string]*frame.Frame{}
	for _, r := range f.Rows {
		id := accountID(r[acct])
		if id == "" {
			id = DefaultPartition
		}
		g, ok := groups[id]
		if !ok {
			g = &frame.Frame{Columns: cols}
			groups[id] = g
		}
		row := make([]parquet.Value, 0, len(cols))
		row = append(row, r[:acct]...)
		row = append(row, r[acct+1:]...)
		g.Rows = append(g.Rows, row)
	}

	out := make([]AccountFrame, 0, len(groups))
	for id, g := range groups {
		out = append(out, AccountFrame{AccountID: id, Frame: g})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func accountID(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	return v.String()
}
