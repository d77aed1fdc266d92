// Package query runs Athena statements and waits for them to finish.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type AthenaClient interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

type Options struct {
	Workgroup      string
	OutputLocation string // s3://.../athena-results/
	PollInterval   time.Duration
	MaxWait        time.Duration
}

const StateTimeout = "TIMEOUT"

type Execution struct {
	QueryExecutionID string
	State            string
	ScannedBytes     int64
	ExecutionMs      int64
}

// QueryError is returned for queries that failed, were cancelled or did
// not finish within MaxWait.
type QueryError struct {
	State            string
	Reason           string
	QueryExecutionID string
}

func (e *QueryError) Error() string {
	if e.QueryExecutionID != "" {
		return fmt.Sprintf("athena %s: %s (qid=%s)", e.State, e.Reason, e.QueryExecutionID)
	}
	return fmt.Sprintf("athena %s: %s", e.State, e.Reason)
}

var errPending = errors.New("query still running")

type Runner struct {
	client AthenaClient
	opts   Options
	logger logrus.FieldLogger
}

func NewRunner(client AthenaClient, opts Options, logger logrus.FieldLogger) *Runner {
	if opts.Workgroup == "" {
		opts.Workgroup = "primary"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Minute
	}
	return &Runner{client: client, opts: opts, logger: logger}
}

// Run starts sql in database and polls with exponential backoff until the
// query reaches a terminal state.
func (r *Runner) Run(ctx context.Context, database, sql string) (*Execution, error) {
	if strings.TrimSpace(r.opts.OutputLocation) == "" {
		return nil, fmt.Errorf("missing athena output location")
	}

	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(r.opts.OutputLocation),
		},
		WorkGroup: aws.String(r.opts.Workgroup),
	}
	if database != "" {
		in.QueryExecutionContext = &athenatypes.QueryExecutionContext{
			Database: aws.String(database),
		}
	}
	startOut, err := r.client.StartQueryExecution(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("athena StartQueryExecution: %w", err)
	}
	qid := aws.ToString(startOut.QueryExecutionId)
	log := r.logger.WithField("query_id", qid)
	log.Debug("query started")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.PollInterval
	b.MaxInterval = 10 * r.opts.PollInterval
	b.MaxElapsedTime = r.opts.MaxWait

	var exec *athenatypes.QueryExecution
	poll := func() error {
		out, err := r.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("athena GetQueryExecution: %w", err))
		}
		exec = out.QueryExecution
		if exec == nil || exec.Status == nil {
			return errPending
		}
		switch state := exec.Status.State; state {
		case athenatypes.QueryExecutionStateSucceeded:
			return nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			reason := aws.ToString(exec.Status.StateChangeReason)
			return backoff.Permanent(&QueryError{State: string(state), Reason: reason, QueryExecutionID: qid})
		default:
			return errPending
		}
	}

	if err := backoff.Retry(poll, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errPending) {
			return nil, &QueryError{State: StateTimeout, Reason: "query timed out", QueryExecutionID: qid}
		}
		return nil, err
	}

	res := &Execution{QueryExecutionID: qid, State: string(athenatypes.QueryExecutionStateSucceeded)}
	if exec.Statistics != nil {
		res.ScannedBytes = aws.ToInt64(exec.Statistics.DataScannedInBytes)
		res.ExecutionMs = aws.ToInt64(exec.Statistics.EngineExecutionTimeInMillis)
	}
	log.WithFields(logrus.Fields{"scanned_bytes": res.ScannedBytes, "execution_ms": res.ExecutionMs}).Debug("query succeeded")
	return res, nil
}

// Result is a fetched result set with the header row removed.
type Result struct {
	Columns []string
	Rows    [][]string
}

// Rows pages through the results of a finished query.
func (r *Runner) Rows(ctx context.Context, qid string) (*Result, error) {
	var (
		nextToken *string
		first     = true
		res       = &Result{}
	)
	for {
		out, err := r.client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(qid),
			NextToken:        nextToken,
			MaxResults:       aws.Int32(1000),
		})
		if err != nil {
			return nil, fmt.Errorf("athena GetQueryResults: %w", err)
		}
		if out.ResultSet == nil {
			break
		}
		if res.Columns == nil && out.ResultSet.ResultSetMetadata != nil {
			for _, c := range out.ResultSet.ResultSetMetadata.ColumnInfo {
				res.Columns = append(res.Columns, aws.ToString(c.Name))
			}
		}
		for _, row := range out.ResultSet.Rows {
			// header row
			if first {
				first = false
				continue
			}
			vals := make([]string, len(row.Data))
			for i, d := range row.Data {
				vals[i] = aws.ToString(d.VarCharValue)
			}
			res.Rows = append(res.Rows, vals)
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		nextToken = out.NextToken
	}
	return res, nil
}
