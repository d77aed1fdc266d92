package etl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/sirupsen/logrus"

	"curenrich/internal/catalog"
	"curenrich/internal/config"
	"curenrich/internal/logging"
	"curenrich/internal/query"
)

type RepairResp struct {
	Ok        bool   `json:"ok"`
	QueryID   string `json:"query_id,omitempty"`
	State     string `json:"state,omitempty"`
	Database  string `json:"database,omitempty"`
	Table     string `json:"table,omitempty"`
	Workgroup string `json:"workgroup,omitempty"`
	Output    string `json:"output,omitempty"`
}

// RepairPartitions loads new partitions of the enriched table, for runs
// that wrote data without create_table.
type RepairPartitions struct {
	athena query.AthenaClient
	logger logrus.FieldLogger
}

func NewRepairPartitions(cfg aws.Config) *RepairPartitions {
	return &RepairPartitions{
		athena: athena.NewFromConfig(cfg),
		logger: logging.New(os.Getenv("LOG_LEVEL"), "json"),
	}
}

// Handle runs MSCK REPAIR TABLE on GLUE_DATABASE.GLUE_TABLE.
//
// Env:
// - GLUE_DATABASE, GLUE_TABLE, ATHENA_OUTPUT (required)
// - ATHENA_WORKGROUP (default "primary")
func (h *RepairPartitions) Handle(ctx context.Context, _ events.CloudWatchEvent) (RepairResp, error) {
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("CUR_ENRICH_CONFIG")))
	if err != nil {
		return RepairResp{Ok: false}, err
	}
	db, table, output := cfg.Catalog.Database, cfg.Catalog.Table, cfg.Athena.OutputLocation
	if db == "" || table == "" || output == "" {
		return RepairResp{Ok: false}, fmt.Errorf("missing env: GLUE_DATABASE, GLUE_TABLE, ATHENA_OUTPUT are required")
	}
	if !strings.HasPrefix(output, "s3://") {
		return RepairResp{Ok: false}, fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}

	runner := query.NewRunner(h.athena, query.Options{
		Workgroup:      cfg.Athena.Workgroup,
		OutputLocation: output,
		PollInterval:   cfg.Athena.PollInterval,
		MaxWait:        cfg.Athena.MaxWait,
	}, h.logger)

	resp := RepairResp{Database: db, Table: table, Workgroup: cfg.Athena.Workgroup, Output: output}
	exec, err := catalog.RepairTable(ctx, runner, db, table)
	if err != nil {
		var qerr *query.QueryError
		if errors.As(err, &qerr) {
			resp.QueryID = qerr.QueryExecutionID
			resp.State = qerr.State
		}
		return resp, fmt.Errorf("repair %s.%s: %w", db, table, err)
	}

	resp.Ok = true
	resp.QueryID = exec.QueryExecutionID
	resp.State = exec.State
	h.logger.WithFields(logrus.Fields{"query_id": exec.QueryExecutionID, "table": db + "." + table}).Info("repair succeeded")
	return resp, nil
}
