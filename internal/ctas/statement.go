// Package ctas enriches partitions server side with Athena
// CREATE TABLE AS SELECT statements.
package ctas

import (
	"fmt"
	"strings"

	"curenrich/internal/columns"
	"curenrich/internal/partition"
)

const (
	curAlias = "cur"
	tagAlias = "tags"
)

// Spec describes one CTAS run over a single source partition.
type Spec struct {
	Database         string
	TempTable        string
	SourceTable      string
	TagsTable        string
	ExternalLocation string // s3://bucket/prefix/year=2020/month=1/
	Partition        []partition.KV
	Selection        columns.Selection
}

// BuildStatement renders the CTAS for spec. Every identifier is validated
// and every literal is escaped.
func BuildStatement(s Spec) (string, error) {
	for _, id := range []string{s.Database, s.TempTable, s.SourceTable, s.TagsTable} {
		if err := ValidateIdentifier(id); err != nil {
			return "", err
		}
	}
	for _, c := range s.Selection.Names() {
		if err := ValidateIdentifier(c); err != nil {
			return "", err
		}
	}
	if len(s.Selection.Names()) == 0 {
		return "", fmt.Errorf("ctas: empty column selection")
	}
	if !strings.HasPrefix(s.ExternalLocation, "s3://") {
		return "", fmt.Errorf("ctas: external location %q is not an s3 uri", s.ExternalLocation)
	}

	props := []string{
		"format = 'PARQUET'",
		"write_compression = 'SNAPPY'",
		"external_location = " + QuoteLiteral(strings.TrimSuffix(s.ExternalLocation, "/")+"/"),
	}
	if s.Selection.AccountLast {
		props = append(props, fmt.Sprintf("partitioned_by = ARRAY[%s]", QuoteLiteral(columns.AccountColumn)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s.%s\n", columns.Quote(s.Database), columns.Quote(s.TempTable))
	fmt.Fprintf(&b, "WITH (%s)\n", strings.Join(props, ", "))
	fmt.Fprintf(&b, "AS SELECT %s\n", s.Selection.SelectList(curAlias, tagAlias))
	fmt.Fprintf(&b, "FROM %s.%s %s\n", columns.Quote(s.Database), columns.Quote(s.SourceTable), curAlias)
	fmt.Fprintf(&b, "LEFT JOIN %s.%s %s\n", columns.Quote(s.Database), columns.Quote(s.TagsTable), tagAlias)
	fmt.Fprintf(&b, "  ON %s.%s = %s.%s",
		curAlias, columns.Quote(columns.AccountColumn), tagAlias, columns.Quote(columns.JoinKey))

	for i, kv := range s.Partition {
		if err := ValidateIdentifier(kv.Key); err != nil {
			return "", err
		}
		kw := " AND"
		if i == 0 {
			kw = "\nWHERE"
		}
		fmt.Fprintf(&b, "%s %s.%s = %s", kw, curAlias, columns.Quote(kv.Key), QuoteLiteral(kv.Value))
	}
	return b.String(), nil
}

// DropStatement drops a table definition. The data under its location stays.
func DropStatement(database, table string) (string, error) {
	for _, id := range []string{database, table} {
		if err := ValidateIdentifier(id); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s`", database, table), nil
}

// TempTableName derives the per-partition CTAS table name, e.g.
// cur_enriched_ctas_year_2020_month_1.
func TempTableName(base, rel string) string {
	if base == "" {
		base = "cur_enriched"
	}
	return columns.Sanitize(base) + "_ctas_" + columns.Sanitize(rel)
}

// ValidateIdentifier rejects names that could escape quoting: quotes,
// backticks, semicolons, comment markers and control characters.
func ValidateIdentifier(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty identifier")
	}
	if strings.ContainsAny(name, "\"`';") {
		return fmt.Errorf("identifier %q: quote or semicolon not allowed", name)
	}
	if strings.Contains(name, "--") || strings.Contains(name, "/*") || strings.Contains(name, "*/") {
		return fmt.Errorf("identifier %q: comments not allowed", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("identifier %q: control character not allowed", name)
		}
	}
	return nil
}

// QuoteLiteral returns a single quoted SQL string literal.
func QuoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
