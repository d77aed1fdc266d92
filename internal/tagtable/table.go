// Package tagtable flattens organization accounts into one row per account
// with a column per distinct tag key.
package tagtable

import (
	"sort"
	"strconv"

	"curenrich/internal/columns"
	"curenrich/internal/orgs"
)

// Base columns present on every table, in order.
var BaseColumns = []string{columns.JoinKey, "name", "email", "arn"}

// Row holds one value per table column; nil is null.
type Row []*string

type Options struct {
	Prefix string
}

type Table struct {
	Columns []string
	// TagKeys maps each tag column to the raw tag key it came from.
	TagKeys map[string]string

	rows  []Row
	index map[string]int
}

// Build creates the table. Tag columns are ordered by raw tag key and named
// Prefix + sanitized key; names that collide after sanitizing get an
// incrementing ordinal suffix.
func Build(accounts []orgs.Account, opts Options) *Table {
	keySet := map[string]bool{}
	for _, a := range accounts {
		for _, t := range a.Tags {
			keySet[t.Key] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := &Table{
		Columns: append([]string(nil), BaseColumns...),
		TagKeys: make(map[string]string, len(keys)),
		index:   make(map[string]int, len(accounts)),
	}

	// next holds the next ordinal to try per base name.
	taken := make(map[string]bool, len(BaseColumns)+len(keys))
	next := make(map[string]int, len(keys))
	for _, c := range BaseColumns {
		taken[c] = true
	}
	colForKey := make(map[string]int, len(keys))
	for _, k := range keys {
		base := opts.Prefix + columns.Sanitize(k)
		name := base
		if taken[name] {
			n := max(next[base], 1)
			for taken[base+strconv.Itoa(n)] {
				n++
			}
			name = base + strconv.Itoa(n)
			next[base] = n + 1
		}
		taken[name] = true

		colForKey[k] = len(t.Columns)
		t.Columns = append(t.Columns, name)
		t.TagKeys[name] = k
	}

	for _, a := range accounts {
		row := make(Row, len(t.Columns))
		row[0] = str(a.ID)
		row[1] = str(a.Name)
		row[2] = str(a.Email)
		row[3] = str(a.ARN)
		for _, tag := range a.Tags {
			row[colForKey[tag.Key]] = str(tag.Value)
		}
		if i, dup := t.index[a.ID]; dup {
			t.rows[i] = row
			continue
		}
		t.index[a.ID] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	return t
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Rows() []Row { return t.rows }

// TagColumns returns the columns after the base columns.
func (t *Table) TagColumns() []string {
	return t.Columns[len(BaseColumns):]
}

// Lookup returns the row for an account id.
func (t *Table) Lookup(accountID string) (Row, bool) {
	i, ok := t.index[accountID]
	if !ok {
		return nil, false
	}
	return t.rows[i], true
}

// ColumnIndex returns the position of a column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func str(s string) *string { return &s }
