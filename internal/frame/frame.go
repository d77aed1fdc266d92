// Package frame holds a flat parquet file in memory as typed columns and
// rows of parquet values.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

const readBatch = 256

type Column struct {
	Name string
	Type parquet.Type
}

// Frame is a table of rows aligned with Columns. A zero parquet.Value is null.
type Frame struct {
	Columns []Column
	Rows    [][]parquet.Value
	// Skipped lists nested or repeated source columns that were not loaded.
	Skipped []string
}

// StringColumn returns a UTF8 column definition.
func StringColumn(name string) Column {
	return Column{Name: name, Type: parquet.String().Type()}
}

// StringValue returns a UTF8 value, or null for nil.
func StringValue(s *string) parquet.Value {
	if s == nil {
		return parquet.NullValue()
	}
	return parquet.ByteArrayValue([]byte(*s))
}

func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (f *Frame) ColumnNames() []string {
	out := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		out[i] = c.Name
	}
	return out
}

// Read loads every flat leaf column and every row of a parquet file.
func Read(data []byte) (*Frame, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	schema := file.Schema()
	fr := &Frame{}
	// leaf column index -> frame column index, -1 when skipped
	leafToCol := map[int]int{}
	for _, path := range schema.Columns() {
		leaf, ok := schema.Lookup(path...)
		if !ok {
			continue
		}
		if len(path) != 1 || leaf.MaxRepetitionLevel > 0 {
			leafToCol[leaf.ColumnIndex] = -1
			fr.Skipped = append(fr.Skipped, strings.Join(path, "."))
			continue
		}
		leafToCol[leaf.ColumnIndex] = len(fr.Columns)
		fr.Columns = append(fr.Columns, Column{Name: path[0], Type: leaf.Node.Type()})
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	buf := make([]parquet.Row, readBatch)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			out := make([]parquet.Value, len(fr.Columns))
			for _, v := range row {
				ci, ok := leafToCol[v.Column()]
				if !ok || ci < 0 || v.IsNull() {
					continue
				}
				out[ci] = v.Clone()
			}
			fr.Rows = append(fr.Rows, out)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return fr, nil
}

// Schema builds the parquet schema of the frame with every column optional.
func (f *Frame) Schema() *parquet.Schema {
	group := make(parquet.Group, len(f.Columns))
	for _, c := range f.Columns {
		group[c.Name] = parquet.Optional(parquet.Leaf(c.Type))
	}
	return parquet.NewSchema("cur", group)
}

// Write encodes the frame as a snappy compressed parquet file.
func (f *Frame) Write(w io.Writer) error {
	schema := f.Schema()

	leafIndex := make([]int, len(f.Columns))
	for i, c := range f.Columns {
		leaf, ok := schema.Lookup(c.Name)
		if !ok {
			return fmt.Errorf("column %q missing from output schema", c.Name)
		}
		leafIndex[i] = leaf.ColumnIndex
	}

	pw := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))
	rows := make([]parquet.Row, 0, readBatch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(rows); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for _, src := range f.Rows {
		row := make(parquet.Row, len(leafIndex))
		for i, v := range src {
			if i >= len(leafIndex) {
				break
			}
			if v.IsNull() {
				row[leafIndex[i]] = parquet.NullValue().Level(0, 0, leafIndex[i])
			} else {
				row[leafIndex[i]] = v.Level(0, 1, leafIndex[i])
			}
		}
		for i := len(src); i < len(leafIndex); i++ {
			row[leafIndex[i]] = parquet.NullValue().Level(0, 0, leafIndex[i])
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// Bytes is Write into a buffer.
func (f *Frame) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
