package etl

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curenrich/internal/config"
	"curenrich/internal/query/athenatest"
)

func TestApplyDetail(t *testing.T) {
	tests := map[string]struct {
		detail      string
		dryRun      bool
		months      int
		createTable bool
		wantErr     bool
	}{
		"empty":        {detail: "", months: 2, createTable: true},
		"null":         {detail: "null", months: 2, createTable: true},
		"empty object": {detail: "{}", months: 2, createTable: true},
		"dry run":      {detail: `{"dry_run": true}`, dryRun: true, months: 2, createTable: true},
		"all fields":   {detail: `{"dry_run": false, "incremental_months": 0, "create_table": false}`},
		"bad json":     {detail: `{"dry_run": "yes"}`, months: 2, createTable: true, wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.IncrementalMonths = 2
			cfg.Catalog.CreateTable = true

			err := ApplyDetail(cfg, json.RawMessage(tt.detail))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dryRun, cfg.DryRun)
			assert.Equal(t, tt.months, cfg.IncrementalMonths)
			assert.Equal(t, tt.createTable, cfg.Catalog.CreateTable)
		})
	}
}

func testRepair(fake *athenatest.Fake) *RepairPartitions {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &RepairPartitions{athena: fake, logger: l}
}

func TestRepairPartitions(t *testing.T) {
	t.Setenv("GLUE_DATABASE", "cur")
	t.Setenv("GLUE_TABLE", "cur_enriched")
	t.Setenv("ATHENA_OUTPUT", "s3://cur-target/athena/")
	t.Setenv("ATHENA_WORKGROUP", "reports")
	fake := athenatest.New()

	resp, err := testRepair(fake).Handle(context.Background(), events.CloudWatchEvent{})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, "SUCCEEDED", resp.State)
	assert.Equal(t, "reports", resp.Workgroup)
	assert.Equal(t, []string{"MSCK REPAIR TABLE `cur_enriched`"}, fake.Queries())
}

func TestRepairPartitionsFailure(t *testing.T) {
	t.Setenv("GLUE_DATABASE", "cur")
	t.Setenv("GLUE_TABLE", "cur_enriched")
	t.Setenv("ATHENA_OUTPUT", "s3://cur-target/athena/")
	fake := athenatest.New()
	fake.FailOn("MSCK", "table not found")

	resp, err := testRepair(fake).Handle(context.Background(), events.CloudWatchEvent{})
	require.Error(t, err)
	assert.False(t, resp.Ok)
	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, "FAILED", resp.State)
	assert.Contains(t, err.Error(), "table not found")
}

func TestRepairPartitionsMissingEnv(t *testing.T) {
	t.Setenv("GLUE_DATABASE", "")
	t.Setenv("GLUE_TABLE", "")
	t.Setenv("ATHENA_OUTPUT", "")
	t.Setenv("CUR_ENRICH_CONFIG", "")

	resp, err := testRepair(athenatest.New()).Handle(context.Background(), events.CloudWatchEvent{})
	require.Error(t, err)
	assert.False(t, resp.Ok)
}
