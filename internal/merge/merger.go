package merge

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"curenrich/internal/columns"
	"curenrich/internal/frame"
	"curenrich/internal/objstore"
	"curenrich/internal/partition"
	"curenrich/internal/tagtable"
)

const contentType = "application/octet-stream"

// Store is the object store surface the merger needs.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key, contentType string, data []byte) error
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

type Merger struct {
	store        Store
	tags         *tagtable.Table
	opts         Options
	sourceBucket string
	targetBucket string
	logger       logrus.FieldLogger
}

func NewMerger(store Store, tags *tagtable.Table, opts Options, sourceBucket, targetBucket string, logger logrus.FieldLogger) *Merger {
	return &Merger{
		store:        store,
		tags:         tags,
		opts:         opts,
		sourceBucket: sourceBucket,
		targetBucket: targetBucket,
		logger:       logger,
	}
}

// Result describes one enriched partition.
type Result struct {
	Rows     int64
	Files    int
	Columns  []frame.AthenaColumn
	Location string
}

// Process replaces targetPrefix with the enriched rows of every file in p.
// targetPrefix is the partition directory, e.g. enriched/year=2020/month=1/.
func (m *Merger) Process(ctx context.Context, p partition.Partition, targetPrefix string) (*Result, error) {
	targetPrefix = strings.TrimSuffix(targetPrefix, "/") + "/"
	log := m.logger.WithField("partition", p.Rel)

	deleted, err := m.store.DeletePrefix(ctx, m.targetBucket, targetPrefix)
	if err != nil {
		return nil, fmt.Errorf("clear %s: %w", objstore.URI(m.targetBucket, targetPrefix), err)
	}
	if deleted > 0 {
		log.WithField("deleted", deleted).Debug("removed previous output")
	}

	res := &Result{Location: objstore.URI(m.targetBucket, targetPrefix)}
	seen := map[string]bool{}
	for _, obj := range p.Files {
		joined, err := m.join(ctx, obj.Key, log)
		if err != nil {
			return nil, err
		}
		res.Rows += int64(len(joined.Rows))

		name := path.Base(obj.Key)
		keys, err := m.write(ctx, joined, targetPrefix, name)
		if err != nil {
			return nil, err
		}
		res.Files += len(keys)

		for _, c := range dataColumns(joined, m.opts.PartitionByAccount) {
			if !seen[c.Name] {
				seen[c.Name] = true
				res.Columns = append(res.Columns, c)
			}
		}
		log.WithFields(logrus.Fields{"source": obj.Key, "rows": len(joined.Rows), "outputs": len(keys)}).Info("merged account tags")
	}
	return res, nil
}

// PlanColumns returns the data columns Process would write for p, taken
// from its first file. Nothing is written.
func (m *Merger) PlanColumns(ctx context.Context, p partition.Partition) ([]frame.AthenaColumn, error) {
	if len(p.Files) == 0 {
		return nil, nil
	}
	joined, err := m.join(ctx, p.Files[0].Key, m.logger.WithField("partition", p.Rel))
	if err != nil {
		return nil, err
	}
	return dataColumns(joined, m.opts.PartitionByAccount), nil
}

func (m *Merger) join(ctx context.Context, key string, log logrus.FieldLogger) (*frame.Frame, error) {
	data, err := m.store.Get(ctx, m.sourceBucket, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objstore.URI(m.sourceBucket, key), err)
	}
	src, err := frame.Read(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if len(src.Skipped) > 0 {
		log.WithField("columns", src.Skipped).Warn("skipping nested columns")
	}
	joined, err := Join(src, m.tags, m.opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return joined, nil
}

func (m *Merger) write(ctx context.Context, f *frame.Frame, targetPrefix, name string) ([]string, error) {
	if !m.opts.PartitionByAccount {
		key := targetPrefix + name
		if err := m.put(ctx, key, f); err != nil {
			return nil, err
		}
		return []string{key}, nil
	}

	groups, err := SplitByAccount(f)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		key := fmt.Sprintf("%s%s=%s/%s", targetPrefix, columns.AccountColumn, g.AccountID, name)
		if err := m.put(ctx, key, g.Frame); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *Merger) put(ctx context.Context, key string, f *frame.Frame) error {
	data, err := f.Bytes()
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.store.Put(ctx, m.targetBucket, key, contentType, data); err != nil {
		return fmt.Errorf("write %s: %w", objstore.URI(m.targetBucket, key), err)
	}
	return nil
}

// dataColumns returns the columns stored inside the files, which excludes
// the account column when it is a path partition.
func dataColumns(f *frame.Frame, partitionByAccount bool) []frame.AthenaColumn {
	cols := f.AthenaColumns()
	if !partitionByAccount {
		return cols
	}
	out := cols[:0]
	for _, c := range cols {
		if c.Name != columns.AccountColumn {
			out = append(out, c)
		}
	}
	return out
}
