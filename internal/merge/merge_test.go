package merge

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curenrich/internal/columns"
	"curenrich/internal/config"
	"curenrich/internal/frame"
	"curenrich/internal/objstore"
	"curenrich/internal/objstore/s3test"
	"curenrich/internal/orgs"
	"curenrich/internal/partition"
	"curenrich/internal/tagtable"
)

type curLine struct {
	IdentityLineItemID string  `parquet:"identity_line_item_id"`
	AccountID          string  `parquet:"line_item_usage_account_id,optional"`
	UnblendedCost      float64 `parquet:"line_item_unblended_cost"`
}

func curFile(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, []curLine{
		{IdentityLineItemID: "a", AccountID: "111111111111", UnblendedCost: 1},
		{IdentityLineItemID: "b", AccountID: "222222222222", UnblendedCost: 2},
		{IdentityLineItemID: "c", AccountID: "999999999999", UnblendedCost: 3},
		{IdentityLineItemID: "d", AccountID: "", UnblendedCost: 4},
		{IdentityLineItemID: "e", AccountID: "111111111111", UnblendedCost: 5},
	}))
	return buf.Bytes()
}

func tags() *tagtable.Table {
	return tagtable.Build([]orgs.Account{
		{ID: "111111111111", Name: "prod", Tags: []orgs.Tag{{Key: "CostCenter", Value: "cc-1"}}},
		{ID: "222222222222", Name: "dev"},
	}, tagtable.Options{Prefix: "account_tag_"})
}

func column(f *frame.Frame, name string) []string {
	i := f.Index(name)
	out := make([]string, len(f.Rows))
	for r, row := range f.Rows {
		if row[i].IsNull() {
			out[r] = "<null>"
			continue
		}
		out[r] = row[i].String()
	}
	return out
}

func TestJoin(t *testing.T) {
	src, err := frame.Read(curFile(t))
	require.NoError(t, err)

	out, err := Join(src, tags(), Options{Filter: columns.NewFilter(config.Columns{ExcludeAccountTags: []string{"email", "arn"}})})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"identity_line_item_id",
		"line_item_usage_account_id",
		"line_item_unblended_cost",
		"name",
		"account_tag_costcenter",
	}, out.ColumnNames())
	assert.Len(t, out.Rows, 5)
	assert.Equal(t, []string{"prod", "dev", "<null>", "<null>", "prod"}, column(out, "name"))
	assert.Equal(t, []string{"cc-1", "<null>", "<null>", "<null>", "cc-1"}, column(out, "account_tag_costcenter"))
	assert.Equal(t, -1, out.Index("account_id"))
}

func TestJoinMissingAccountColumn(t *testing.T) {
	src := &frame.Frame{Columns: []frame.Column{frame.StringColumn("other")}}
	_, err := Join(src, tags(), Options{})
	assert.Error(t, err)
}

func TestJoinPartitionByAccountPutsAccountLast(t *testing.T) {
	src, err := frame.Read(curFile(t))
	require.NoError(t, err)

	out, err := Join(src, tags(), Options{PartitionByAccount: true})
	require.NoError(t, err)
	names := out.ColumnNames()
	assert.Equal(t, columns.AccountColumn, names[len(names)-1])

	groups, err := SplitByAccount(out)
	require.NoError(t, err)
	var ids []string
	for _, g := range groups {
		ids = append(ids, g.AccountID)
		assert.Equal(t, -1, g.Frame.Index(columns.AccountColumn))
	}
	assert.Equal(t, []string{"111111111111", "222222222222", "999999999999", DefaultPartition}, ids)
	assert.Len(t, groups[0].Frame.Rows, 2)
}

func TestSplitByAccountMissingIDs(t *testing.T) {
	empty := ""
	tests := map[string]struct {
		value parquet.Value
	}{
		"null":  {value: parquet.NullValue()},
		"empty": {value: frame.StringValue(&empty)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := &frame.Frame{
				Columns: []frame.Column{frame.StringColumn("identity_line_item_id"), frame.StringColumn(columns.AccountColumn)},
				Rows:    [][]parquet.Value{{parquet.ByteArrayValue([]byte("a")), tt.value}},
			}
			groups, err := SplitByAccount(f)
			require.NoError(t, err)
			require.Len(t, groups, 1)
			assert.Equal(t, DefaultPartition, groups[0].AccountID)
			assert.Equal(t, []string{"identity_line_item_id"}, groups[0].Frame.ColumnNames())
		})
	}
}

func TestJoinCollidingTagKeysWrites(t *testing.T) {
	src, err := frame.Read(curFile(t))
	require.NoError(t, err)
	tbl := tagtable.Build([]orgs.Account{{
		ID: "111111111111",
		Tags: []orgs.Tag{
			{Key: "Cost-Center", Value: "a"},
			{Key: "cost-center", Value: "b"},
			{Key: "cost_center", Value: "c"},
		},
	}}, tagtable.Options{Prefix: "account_tag_"})

	out, err := Join(src, tbl, Options{})
	require.NoError(t, err)
	data, err := out.Bytes()
	require.NoError(t, err)

	back, err := frame.Read(data)
	require.NoError(t, err)
	assert.ElementsMatch(t, out.ColumnNames(), back.ColumnNames())
	require.Len(t, back.Rows, 5)
	for col, want := range map[string]string{
		"account_tag_cost_center":  "a",
		"account_tag_cost_center1": "b",
		"account_tag_cost_center2": "c",
	} {
		assert.Equal(t, []string{want, "<null>", "<null>", "<null>", want}, column(back, col), col)
	}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMergerProcess(t *testing.T) {
	mock := s3test.NewMockS3()
	mock.Seed("cur", "cur/report/year=2020/month=1/report-1.snappy.parquet", curFile(t))
	mock.Seed("out", "enriched/year=2020/month=1/stale.parquet", []byte("old"))
	mock.Seed("out", "enriched/year=2020/month=10/keep.parquet", []byte("keep"))
	store := objstore.New(mock)

	parts, err := partition.Discover(context.Background(), store, "cur", "cur/report", ".parquet")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	tests := map[string]struct {
		byAccount bool
		expected  []string
	}{
		"single file": {
			expected: []string{
				"enriched/year=2020/month=1/report-1.snappy.parquet",
				"enriched/year=2020/month=10/keep.parquet",
			},
		},
		"by account": {
			byAccount: true,
			expected: []string{
				"enriched/year=2020/month=1/line_item_usage_account_id=111111111111/report-1.snappy.parquet",
				"enriched/year=2020/month=1/line_item_usage_account_id=222222222222/report-1.snappy.parquet",
				"enriched/year=2020/month=1/line_item_usage_account_id=999999999999/report-1.snappy.parquet",
				"enriched/year=2020/month=1/line_item_usage_account_id=__HIVE_DEFAULT_PARTITION__/report-1.snappy.parquet",
				"enriched/year=2020/month=10/keep.parquet",
			},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewMerger(store, tags(), Options{PartitionByAccount: tt.byAccount}, "cur", "out", testLogger())
			res, err := m.Process(context.Background(), parts[0], "enriched/year=2020/month=1")
			require.NoError(t, err)

			assert.Equal(t, tt.expected, mock.Keys("out", "enriched/"))
			assert.Equal(t, int64(5), res.Rows)
			assert.Equal(t, len(tt.expected)-1, res.Files)
			assert.Equal(t, "s3://out/enriched/year=2020/month=1/", res.Location)

			var names []string
			for _, c := range res.Columns {
				names = append(names, c.Name)
			}
			if tt.byAccount {
				assert.NotContains(t, names, columns.AccountColumn)
			} else {
				assert.Contains(t, names, columns.AccountColumn)
			}
			assert.Contains(t, names, "account_tag_costcenter")
		})
	}
}

func TestMergerPlanColumns(t *testing.T) {
	mock := s3test.NewMockS3()
	mock.Seed("cur", "cur/report/year=2020/month=1/report-1.snappy.parquet", curFile(t))
	store := objstore.New(mock)

	parts, err := partition.Discover(context.Background(), store, "cur", "cur/report", ".parquet")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	tests := map[string]struct {
		byAccount bool
		part      partition.Partition
		expected  []string
	}{
		"merged": {
			part: parts[0],
			expected: []string{
				"identity_line_item_id", columns.AccountColumn, "line_item_unblended_cost",
				"name", "email", "arn", "account_tag_costcenter",
			},
		},
		"by account": {
			byAccount: true,
			part:      parts[0],
			expected: []string{
				"identity_line_item_id", "line_item_unblended_cost",
				"name", "email", "arn", "account_tag_costcenter",
			},
		},
		"no files": {part: partition.Partition{Rel: "year=2020/month=2"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewMerger(store, tags(), Options{PartitionByAccount: tt.byAccount}, "cur", "out", testLogger())
			cols, err := m.PlanColumns(context.Background(), tt.part)
			require.NoError(t, err)

			var names []string
			for _, c := range cols {
				names = append(names, c.Name)
			}
			assert.ElementsMatch(t, tt.expected, names)
			assert.Empty(t, mock.Keys("out", ""))
		})
	}
}
