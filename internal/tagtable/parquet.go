package tagtable

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type schemaNode struct {
	Tag    string       `json:"Tag"`
	Fields []schemaNode `json:"Fields,omitempty"`
}

// Schema returns the JSON schema of the table for the parquet JSON writer.
// Every column is an optional UTF8 string.
func (t *Table) Schema() (string, error) {
	root := schemaNode{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	for _, c := range t.Columns {
		root.Fields = append(root.Fields, schemaNode{
			Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c),
		})
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteParquet writes the table as a snappy parquet file to w. The file is
// staged on local disk first.
func (t *Table) WriteParquet(w io.Writer) error {
	schema, err := t.Schema()
	if err != nil {
		return fmt.Errorf("tag table schema: %w", err)
	}

	localPath := filepath.Join(os.TempDir(), "account_tags_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewJSONWriter(schema, fw, 1)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range t.rows {
		rec := make(map[string]string, len(row))
		for i, v := range row {
			if v != nil {
				rec[t.Columns[i]] = *v
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return fmt.Errorf("encode tag row: %w", err)
		}
		if err := pw.Write(string(b)); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("read parquet tmp: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy parquet tmp: %w", err)
	}
	return nil
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
