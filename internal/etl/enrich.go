// Package etl holds the scheduled lambda handlers.
package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"curenrich/internal/config"
	"curenrich/internal/enrich"
	"curenrich/internal/logging"
)

// EnrichDetail is the optional EventBridge detail of a scheduled run, e.g.
// {"dry_run": true, "incremental_months": 2}.
type EnrichDetail struct {
	DryRun            *bool `json:"dry_run,omitempty"`
	IncrementalMonths *int  `json:"incremental_months,omitempty"`
	CreateTable       *bool `json:"create_table,omitempty"`
}

type EnrichETL struct {
	awsCfg aws.Config
}

func NewEnrichETL(cfg aws.Config) *EnrichETL {
	return &EnrichETL{awsCfg: cfg}
}

// Handle is triggered by EventBridge schedule.
//
// Env:
// - CUR_ENRICH_CONFIG (optional YAML path bundled with the function)
// - every override listed in config, e.g. CUR_SOURCE_BUCKET, CUR_MODE
func (h *EnrichETL) Handle(ctx context.Context, ev events.CloudWatchEvent) (map[string]any, error) {
	cfg, err := enrich.LoadConfig(ctx, h.awsCfg, strings.TrimSpace(os.Getenv("CUR_ENRICH_CONFIG")))
	if err != nil {
		return map[string]any{"ok": false}, err
	}
	if err := ApplyDetail(cfg, ev.Detail); err != nil {
		return map[string]any{"ok": false}, err
	}

	logger := logging.New(cfg.Logging.Level, "json")
	p := enrich.New(cfg, enrich.NewDeps(h.awsCfg, cfg), logger)
	logger.WithFields(logrus.Fields{"run_id": p.RunID(), "event_id": ev.ID}).Info("scheduled enrichment")

	sum, err := p.Run(ctx)
	if sum == nil {
		return map[string]any{"ok": false}, err
	}
	return sum.Response(), err
}

// ApplyDetail overrides cfg with the fields present in an event detail.
// An empty or null detail changes nothing.
func ApplyDetail(cfg *config.Config, detail json.RawMessage) error {
	s := strings.TrimSpace(string(detail))
	if s == "" || s == "null" || s == "{}" {
		return nil
	}
	var d EnrichDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return fmt.Errorf("decode event detail: %w", err)
	}
	if d.DryRun != nil {
		cfg.DryRun = *d.DryRun
	}
	if d.IncrementalMonths != nil {
		cfg.IncrementalMonths = *d.IncrementalMonths
	}
	if d.CreateTable != nil {
		cfg.Catalog.CreateTable = *d.CreateTable
	}
	return nil
}
