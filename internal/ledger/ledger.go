// Package ledger records enrichment runs and their partitions in DynamoDB.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	KindPartition = "PARTITION"
	KindSummary   = "SUMMARY"

	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusPlanned   = "PLANNED"
)

type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	dynamodb.QueryAPIClient
}

// Record is one ledger item. Partition items carry the per-partition
// outcome; the summary item carries run totals.
type Record struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Kind         string `dynamodbav:"Kind"`
	RunID        string `dynamodbav:"RunId"`
	Mode         string `dynamodbav:"Mode"`
	Status       string `dynamodbav:"Status"`
	Partition    string `dynamodbav:"Partition,omitempty"`
	Output       string `dynamodbav:"Output,omitempty"`
	QueryID      string `dynamodbav:"QueryId,omitempty"`
	Rows         int64  `dynamodbav:"Rows"`
	Files        int    `dynamodbav:"Files"`
	Partitions   int    `dynamodbav:"Partitions,omitempty"`
	Failed       int    `dynamodbav:"Failed,omitempty"`
	ScannedBytes int64  `dynamodbav:"ScannedBytes,omitempty"`
	Error        string `dynamodbav:"Error,omitempty"`
	StartedAt    string `dynamodbav:"StartedAt,omitempty"`
	CompletedAt  string `dynamodbav:"CompletedAt"`
	ExpiresAt    int64  `dynamodbav:"ExpiresAt"`
}

func RunPK(runID string) string {
	return "RUN#" + runID
}

func PartitionSK(rel string) string {
	return "PARTITION#" + rel
}

type Ledger struct {
	client Client
	table  string
	ttl    time.Duration
	now    func() time.Time
}

func New(client Client, table string, ttlDays int) *Ledger {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	return &Ledger{
		client: client,
		table:  table,
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record stores the outcome of one partition.
func (l *Ledger) Record(ctx context.Context, r Record) error {
	r.Kind = KindPartition
	r.SK = PartitionSK(r.Partition)
	return l.put(ctx, r)
}

// Finish stores the run summary.
func (l *Ledger) Finish(ctx context.Context, r Record) error {
	r.Kind = KindSummary
	r.SK = KindSummary
	return l.put(ctx, r)
}

func (l *Ledger) put(ctx context.Context, r Record) error {
	now := l.now()
	r.PK = RunPK(r.RunID)
	if r.CompletedAt == "" {
		r.CompletedAt = now.Format(time.RFC3339)
	}
	r.ExpiresAt = now.Add(l.ttl).Unix()

	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("ledger marshal: %w", err)
	}
	if _, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("ledger PutItem: %w", err)
	}
	return nil
}

// List returns every item of a run, summary first, then partitions in key
// order.
func (l *Ledger) List(ctx context.Context, runID string) ([]Record, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(RunPK(runID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("ledger query expression: %w", err)
	}

	p := dynamodb.NewQueryPaginator(l.client, &dynamodb.QueryInput{
		TableName:                 aws.String(l.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var out []Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger Query: %w", err)
		}
		var recs []Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("ledger unmarshal: %w", err)
		}
		out = append(out, recs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Kind == KindSummary) != (out[j].Kind == KindSummary) {
			return out[i].Kind == KindSummary
		}
		return out[i].SK < out[j].SK
	})
	return out, nil
}
