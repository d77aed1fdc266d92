// Package partition discovers hive-style (key=value) partition directories
// under a CUR prefix and orders them chronologically.
package partition

import (
	"context"
	"path"
	"sort"
	"strings"

	"curenrich/internal/objstore"
)

// sortPad is the width numeric partition values are padded to for ordering,
// so month=2 sorts before month=10.
const sortPad = 10

type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]objstore.Object, error)
}

type KV struct {
	Key   string
	Value string
}

// Partition is one directory of data files.
type Partition struct {
	// Prefix is the full object key prefix, ending in "/".
	Prefix string
	// Rel is the directory relative to the source prefix, e.g. year=2020/month=1.
	Rel    string
	Values []KV
	Files  []objstore.Object
}

// Keys returns the partition column names in path order.
func (p Partition) Keys() []string {
	out := make([]string, len(p.Values))
	for i, kv := range p.Values {
		out[i] = kv.Key
	}
	return out
}

// Discover lists every object under prefix whose key ends in suffix and
// groups them into sorted partitions. Directories without key=value segments
// are ignored.
func Discover(ctx context.Context, l Lister, bucket, prefix, suffix string) ([]Partition, error) {
	base := strings.Trim(prefix, "/")
	listPrefix := base
	if listPrefix != "" {
		listPrefix += "/"
	}

	objs, err := l.List(ctx, bucket, listPrefix)
	if err != nil {
		return nil, err
	}

	byDir := map[string]*Partition{}
	for _, obj := range objs {
		if strings.HasSuffix(obj.Key, "/") || !strings.HasSuffix(obj.Key, suffix) {
			continue
		}
		dir := path.Dir(obj.Key)
		rel := strings.Trim(strings.TrimPrefix(dir, base), "/")
		if dir == "." || rel == "" {
			continue
		}

		p, ok := byDir[dir]
		if !ok {
			values := ParseValues(rel)
			if len(values) == 0 {
				continue
			}
			p = &Partition{
				Prefix: dir + "/",
				Rel:    rel,
				Values: values,
			}
			byDir[dir] = p
		}
		p.Files = append(p.Files, obj)
	}

	parts := make([]Partition, 0, len(byDir))
	for _, p := range byDir {
		sort.Slice(p.Files, func(i, j int) bool { return p.Files[i].Key < p.Files[j].Key })
		parts = append(parts, *p)
	}
	Sort(parts)
	return parts, nil
}

// ParseValues returns the key=value segments of a relative directory.
// Segments without "=" are skipped.
func ParseValues(rel string) []KV {
	var out []KV
	for _, seg := range strings.Split(rel, "/") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok || k == "" {
			continue
		}
		out = append(out, KV{Key: k, Value: v})
	}
	return out
}

// Sort orders partitions by their zero padded relative path.
func Sort(parts []Partition) {
	sort.SliceStable(parts, func(i, j int) bool {
		return SortKey(parts[i].Rel) < SortKey(parts[j].Rel)
	})
}

// SortKey pads every all-digit partition value to a fixed width.
func SortKey(rel string) string {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		k, v, ok := strings.Cut(seg, "=")
		if !ok || !isDigits(v) || len(v) >= sortPad {
			continue
		}
		segs[i] = k + "=" + strings.Repeat("0", sortPad-len(v)) + v
	}
	return strings.Join(segs, "/")
}

// LastN keeps the last n partitions; n <= 0 keeps all of them.
func LastN(parts []Partition, n int) []Partition {
	if n <= 0 || n >= len(parts) {
		return parts
	}
	return parts[len(parts)-n:]
}

// Keys returns the union of partition column names in first-seen order.
func Keys(parts []Partition) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range parts {
		for _, kv := range p.Values {
			if !seen[kv.Key] {
				seen[kv.Key] = true
				out = append(out, kv.Key)
			}
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
