package ctas

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"curenrich/internal/catalog"
	"curenrich/internal/columns"
	"curenrich/internal/objstore"
	"curenrich/internal/query"
	"curenrich/internal/tagtable"
)

// TagsObject is the file name of the staged account tag table.
const TagsObject = "account_tags.snappy.parquet"

type Store interface {
	Put(ctx context.Context, bucket, key, contentType string, data []byte) error
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

type Executor struct {
	runner   *query.Runner
	store    Store
	catalog  *catalog.Catalog
	database string
	logger   logrus.FieldLogger
}

func NewExecutor(runner *query.Runner, store Store, cat *catalog.Catalog, database string, logger logrus.FieldLogger) *Executor {
	return &Executor{runner: runner, store: store, catalog: cat, database: database, logger: logger}
}

// StageTags uploads the tag table to location and (re)creates the Glue
// table the CTAS statements join against.
func (e *Executor) StageTags(ctx context.Context, tbl *tagtable.Table, location, table string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	bucket, prefix, err := objstore.ParseURI(location)
	if err != nil {
		return err
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	if _, err := e.store.DeletePrefix(ctx, bucket, prefix); err != nil {
		return fmt.Errorf("clear %s: %w", location, err)
	}

	var buf bytes.Buffer
	if err := tbl.WriteParquet(&buf); err != nil {
		return err
	}
	key := prefix + TagsObject
	if err := e.store.Put(ctx, bucket, key, "application/octet-stream", buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", objstore.URI(bucket, key), err)
	}

	cols := make([]catalog.Column, 0, len(tbl.Columns))
	for _, c := range tbl.Columns {
		cols = append(cols, catalog.Column{Name: c, Type: "string"})
	}
	if _, err := e.catalog.DeleteTableIfExists(ctx, e.database, table); err != nil {
		return err
	}
	if err := e.catalog.CreateParquetTable(ctx, &catalog.TableSchema{
		Database: e.database,
		Table:    table,
		Location: objstore.URI(bucket, prefix),
		Columns:  cols,
	}); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{"table": e.database + "." + table, "accounts": tbl.Len()}).Info("staged account tag table")
	return nil
}

type Result struct {
	QueryExecutionID string
	Rows             int64
	ScannedBytes     int64
	ExecutionMs      int64
	Deleted          int
	Location         string
	SQL              string
}

// Process clears the external location, then runs the CTAS between two
// drops of the temp table. Only the table definition is dropped.
func (e *Executor) Process(ctx context.Context, spec Spec) (*Result, error) {
	spec.Database = e.database
	stmt, err := BuildStatement(spec)
	if err != nil {
		return nil, err
	}
	drop, err := DropStatement(spec.Database, spec.TempTable)
	if err != nil {
		return nil, err
	}
	bucket, prefix, err := objstore.ParseURI(spec.ExternalLocation)
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	deleted, err := e.store.DeletePrefix(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("clear %s: %w", spec.ExternalLocation, err)
	}

	if _, err := e.runner.Run(ctx, spec.Database, drop); err != nil {
		return nil, fmt.Errorf("drop %s: %w", spec.TempTable, err)
	}
	exec, err := e.runner.Run(ctx, spec.Database, stmt)
	if err != nil {
		return nil, fmt.Errorf("ctas %s: %w", spec.TempTable, err)
	}
	if _, err := e.runner.Run(ctx, spec.Database, drop); err != nil {
		return nil, fmt.Errorf("drop %s: %w", spec.TempTable, err)
	}

	rows, err := e.writtenRows(ctx, exec.QueryExecutionID)
	if err != nil {
		e.logger.WithError(err).WithField("query_id", exec.QueryExecutionID).Warn("could not read ctas row count")
	}
	e.logger.WithFields(logrus.Fields{
		"query_id":      exec.QueryExecutionID,
		"location":      spec.ExternalLocation,
		"rows":          rows,
		"deleted":       deleted,
		"scanned_bytes": exec.ScannedBytes,
	}).Info("ctas finished")

	return &Result{
		QueryExecutionID: exec.QueryExecutionID,
		Rows:             rows,
		ScannedBytes:     exec.ScannedBytes,
		ExecutionMs:      exec.ExecutionMs,
		Deleted:          deleted,
		Location:         objstore.URI(bucket, prefix),
		SQL:              stmt,
	}, nil
}

// writtenRows reads the single "rows" value Athena reports for a CTAS.
func (e *Executor) writtenRows(ctx context.Context, qid string) (int64, error) {
	res, err := e.runner.Rows(ctx, qid)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(res.Rows[0][0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ctas row count %q: %w", res.Rows[0][0], err)
	}
	return n, nil
}

// OutputColumns returns the typed data columns a CTAS writes: selected
// fields with their source types, then tag columns as strings. The
// trailing account partition column is not a data column.
func OutputColumns(sel columns.Selection, source []catalog.Column) []catalog.Column {
	types := make(map[string]string, len(source))
	for _, c := range source {
		types[c.Name] = c.Type
	}
	out := make([]catalog.Column, 0, len(sel.Fields)+len(sel.Tags))
	for _, f := range sel.Fields {
		typ := types[f]
		if typ == "" {
			typ = "string"
		}
		out = append(out, catalog.Column{Name: f, Type: typ})
	}
	for _, t := range sel.Tags {
		out = append(out, catalog.Column{Name: t, Type: "string"})
	}
	return out
}
