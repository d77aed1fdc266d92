// Package columns decides which CUR fields and account tag columns end up in
// the enriched output, and in which order.
package columns

import (
	"strings"

	"curenrich/internal/config"
)

const (
	// AccountColumn is the CUR column the account tags are joined on.
	AccountColumn = "line_item_usage_account_id"
	// JoinKey is the tag table column matched against AccountColumn.
	JoinKey = "account_id"
)

// Filter holds normalized include/exclude lists. An empty include list keeps
// everything that is not excluded.
type Filter struct {
	IncludeFields      []string
	ExcludeFields      []string
	IncludeAccountTags []string
	ExcludeAccountTags []string
	TagPrefix          string
}

func NewFilter(c config.Columns) Filter {
	prefix := c.TagPrefix
	if prefix == "" {
		prefix = config.DefaultTagPrefix
	}
	return Filter{
		IncludeFields:      normalize(c.IncludeFields),
		ExcludeFields:      normalize(c.ExcludeFields),
		IncludeAccountTags: sanitizeAll(normalize(c.IncludeAccountTags)),
		ExcludeAccountTags: sanitizeAll(normalize(c.ExcludeAccountTags)),
		TagPrefix:          strings.ToLower(prefix),
	}
}

func (f Filter) KeepField(name string) bool {
	return keep(strings.ToLower(strings.TrimSpace(name)), f.IncludeFields, f.ExcludeFields)
}

// KeepTag matches a tag table column with the tag prefix stripped, so
// "account_tag_cost_center" is tested as "cost_center" and "email" as-is.
// Tag filter entries are sanitized like column names, so "Cost-Center"
// selects the same column. The join key is never kept.
func (f Filter) KeepTag(column string) bool {
	name := strings.ToLower(strings.TrimSpace(column))
	if name == JoinKey {
		return false
	}
	return keep(strings.TrimPrefix(name, f.TagPrefix), f.IncludeAccountTags, f.ExcludeAccountTags)
}

// Selection is the ordered output column list.
type Selection struct {
	Fields []string
	Tags   []string
	// AccountLast is set when AccountColumn was moved to the end to become
	// the trailing partition column.
	AccountLast bool
}

// Select applies the filter to the CUR and tag table columns. With
// partitionByAccount, AccountColumn is pulled out of the fields and
// appended after the tags whatever the filters say.
func Select(f Filter, curColumns, tagColumns []string, partitionByAccount bool) Selection {
	var s Selection
	for _, c := range curColumns {
		if c == "" || !f.KeepField(c) {
			continue
		}
		if partitionByAccount && c == AccountColumn {
			continue
		}
		s.Fields = append(s.Fields, c)
	}
	for _, c := range tagColumns {
		if c == "" || !f.KeepTag(c) {
			continue
		}
		s.Tags = append(s.Tags, c)
	}
	s.AccountLast = partitionByAccount
	return s
}

// Names returns every selected column in output order.
func (s Selection) Names() []string {
	out := make([]string, 0, len(s.Fields)+len(s.Tags)+1)
	out = append(out, s.Fields...)
	out = append(out, s.Tags...)
	if s.AccountLast {
		out = append(out, AccountColumn)
	}
	return out
}

// SelectList renders the selection as a comma separated list of quoted
// identifiers. Non-empty aliases qualify fields and tags respectively;
// the trailing account column belongs to the CUR side.
func (s Selection) SelectList(curAlias, tagAlias string) string {
	parts := make([]string, 0, len(s.Fields)+len(s.Tags)+1)
	for _, c := range s.Fields {
		parts = append(parts, qualify(curAlias, c))
	}
	for _, c := range s.Tags {
		parts = append(parts, qualify(tagAlias, c))
	}
	if s.AccountLast {
		parts = append(parts, qualify(curAlias, AccountColumn))
	}
	return strings.Join(parts, ",")
}

// Quote wraps an identifier in double quotes, doubling embedded quotes.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualify(alias, name string) string {
	if alias == "" {
		return Quote(name)
	}
	return alias + "." + Quote(name)
}

func keep(name string, include, exclude []string) bool {
	if contains(exclude, name) {
		return false
	}
	return len(include) == 0 || contains(include, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Sanitize turns a tag key into a column name fragment: lowercase, with
// anything outside [a-z0-9_] replaced by '_'.
func Sanitize(key string) string {
	b := []byte(strings.ToLower(strings.TrimSpace(key)))
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			b[i] = '_'
		}
	}
	return string(b)
}

func sanitizeAll(in []string) []string {
	for i, s := range in {
		in[i] = Sanitize(s)
	}
	return in
}

func normalize(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
