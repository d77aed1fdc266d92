package ledger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items keyed by PK and SK and answers single key
// equality queries, one item per page.
type fakeDynamo struct {
	items map[string]map[string]ddbtypes.AttributeValue
	puts  []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func str(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	f.items[str(in.Item["PK"])+"|"+str(in.Item["SK"])] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var pk string
	for _, v := range in.ExpressionAttributeValues {
		pk = str(v)
	}
	var keys []string
	for k, item := range f.items {
		if str(item["PK"]) == pk {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		start = sort.SearchStrings(keys, str(in.ExclusiveStartKey["PK"])+"|"+str(in.ExclusiveStartKey["SK"])) + 1
	}
	out := &dynamodb.QueryOutput{}
	if start < len(keys) {
		item := f.items[keys[start]]
		out.Items = []map[string]ddbtypes.AttributeValue{item}
		if start+1 < len(keys) {
			out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{"PK": item["PK"], "SK": item["SK"]}
		}
	}
	return out, nil
}

func TestRecordFinishList(t *testing.T) {
	fake := newFakeDynamo()
	l := New(fake, "cur-enrich-ledger", 7)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Record{RunID: "r1", Mode: "merge", Status: StatusSucceeded, Partition: "year=2024/month=2", Rows: 10, Files: 1}))
	require.NoError(t, l.Record(ctx, Record{RunID: "r1", Mode: "merge", Status: StatusSucceeded, Partition: "year=2024/month=1", Rows: 5, Files: 2}))
	require.NoError(t, l.Finish(ctx, Record{RunID: "r1", Mode: "merge", Status: StatusSucceeded, Partitions: 2, Rows: 15, Files: 3}))
	require.NoError(t, l.Record(ctx, Record{RunID: "r2", Mode: "ctas", Status: StatusFailed, Partition: "year=2024/month=1", Error: "boom"}))

	require.Len(t, fake.puts, 4)
	first := fake.puts[0]
	assert.Equal(t, "cur-enrich-ledger", aws.ToString(first.TableName))
	assert.Equal(t, "RUN#r1", str(first.Item["PK"]))
	assert.Equal(t, "PARTITION#year=2024/month=2", str(first.Item["SK"]))
	exp, ok := first.Item["ExpiresAt"].(*ddbtypes.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "1709899200", exp.Value)
	_, hasErr := first.Item["Error"]
	assert.False(t, hasErr)

	recs, err := l.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, KindSummary, recs[0].Kind)
	assert.Equal(t, 2, recs[0].Partitions)
	assert.Equal(t, int64(15), recs[0].Rows)
	assert.Equal(t, "year=2024/month=1", recs[1].Partition)
	assert.Equal(t, "year=2024/month=2", recs[2].Partition)
	assert.Equal(t, "2024-03-01T12:00:00Z", recs[2].CompletedAt)

	recs, err = l.List(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "boom", recs[0].Error)
	assert.Equal(t, StatusFailed, recs[0].Status)
}
