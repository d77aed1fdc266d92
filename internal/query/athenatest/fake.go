// Package athenatest provides an in-memory Athena for tests. Every query
// succeeds immediately unless it matches a configured failure.
package athenatest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

type Query struct {
	ID       string
	SQL      string
	Database string
}

type Fake struct {
	mu      sync.Mutex
	queries []Query
	failOn  map[string]string

	// OnStart runs for every started query, e.g. to simulate CTAS output.
	OnStart func(q Query)
	// Results returns the result rows of a query, header row first.
	Results func(q Query) [][]string
}

func New() *Fake {
	return &Fake{failOn: map[string]string{}}
}

// FailOn makes queries containing substr end in FAILED with reason.
func (f *Fake) FailOn(substr, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[substr] = reason
}

// Queries returns the SQL of every started query in order.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	for i, q := range f.queries {
		out[i] = q.SQL
	}
	return out
}

func (f *Fake) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.mu.Lock()
	q := Query{ID: fmt.Sprintf("q-%d", len(f.queries)+1), SQL: aws.ToString(in.QueryString)}
	if in.QueryExecutionContext != nil {
		q.Database = aws.ToString(in.QueryExecutionContext.Database)
	}
	f.queries = append(f.queries, q)
	hook := f.OnStart
	f.mu.Unlock()

	if hook != nil {
		hook(q)
	}
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String(q.ID)}, nil
}

func (f *Fake) GetQueryExecution(_ context.Context, in *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(in.QueryExecutionId)
	for _, q := range f.queries {
		if q.ID != id {
			continue
		}
		status := &athenatypes.QueryExecutionStatus{State: athenatypes.QueryExecutionStateSucceeded}
		for substr, reason := range f.failOn {
			if strings.Contains(q.SQL, substr) {
				status = &athenatypes.QueryExecutionStatus{
					State:             athenatypes.QueryExecutionStateFailed,
					StateChangeReason: aws.String(reason),
				}
			}
		}
		return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
			QueryExecutionId: aws.String(id),
			Status:           status,
			Statistics:       &athenatypes.QueryExecutionStatistics{DataScannedInBytes: aws.Int64(1024)},
		}}, nil
	}
	return nil, fmt.Errorf("unknown query %s", id)
}

func (f *Fake) GetQueryResults(_ context.Context, in *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(in.QueryExecutionId)
	set := &athenatypes.ResultSet{}
	for _, q := range f.queries {
		if q.ID != id || f.Results == nil {
			continue
		}
		for _, vals := range f.Results(q) {
			row := athenatypes.Row{}
			for _, v := range vals {
				row.Data = append(row.Data, athenatypes.Datum{VarCharValue: aws.String(v)})
			}
			set.Rows = append(set.Rows, row)
		}
	}
	return &athena.GetQueryResultsOutput{ResultSet: set}, nil
}
