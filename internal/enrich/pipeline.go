// Package enrich runs the CUR account tag enrichment end to end.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"curenrich/internal/catalog"
	"curenrich/internal/columns"
	"curenrich/internal/config"
	"curenrich/internal/ctas"
	"curenrich/internal/ledger"
	"curenrich/internal/merge"
	"curenrich/internal/notify"
	"curenrich/internal/objstore"
	"curenrich/internal/orgs"
	"curenrich/internal/partition"
	"curenrich/internal/query"
	"curenrich/internal/tagtable"
)

// Deps are the AWS clients a pipeline talks to. Identity, Ledger and
// Notifier are optional; Athena is needed for ctas mode and table creation.
type Deps struct {
	Orgs     orgs.API
	Identity orgs.IdentityAPI
	S3       objstore.API
	Athena   query.AthenaClient
	Glue     catalog.GlueClient
	Ledger   *ledger.Ledger
	Notifier *notify.Notifier
}

type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	runID  string
	log    logrus.FieldLogger
	now    func() time.Time
	store  *objstore.Store
	cat    *catalog.Catalog
	runner *query.Runner
}

func New(cfg *config.Config, deps Deps, logger logrus.FieldLogger) *Pipeline {
	runID := uuid.NewString()
	log := logger.WithFields(logrus.Fields{"run_id": runID, "mode": cfg.Mode})

	p := &Pipeline{
		cfg:   cfg,
		deps:  deps,
		runID: runID,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		store: objstore.New(deps.S3),
	}
	if deps.Glue != nil {
		p.cat = catalog.New(deps.Glue, log)
	}
	if deps.Athena != nil {
		p.runner = query.NewRunner(deps.Athena, query.Options{
			Workgroup:      cfg.Athena.Workgroup,
			OutputLocation: cfg.Athena.OutputLocation,
			PollInterval:   cfg.Athena.PollInterval,
			MaxWait:        cfg.Athena.MaxWait,
		}, log)
	}
	return p
}

func (p *Pipeline) RunID() string { return p.runID }

// Run enriches every selected partition, then optionally registers the
// output table. The returned summary is filled even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	cfg := p.cfg
	sum := &Summary{
		RunID:     p.runID,
		Mode:      cfg.Mode,
		Status:    StatusSucceeded,
		DryRun:    cfg.DryRun,
		Target:    cfg.TargetRoot(),
		StartedAt: p.now(),
	}
	if cfg.DryRun {
		sum.Status = StatusPlanned
	}

	err := p.run(ctx, sum)
	sum.FinishedAt = p.now()
	if err != nil {
		sum.Status = StatusFailed
		sum.Err = err
		p.log.WithError(err).Error("enrichment failed")
	} else {
		p.log.WithFields(logrus.Fields{
			"partitions": len(sum.Partitions),
			"rows":       sum.Rows,
			"files":      sum.Files,
		}).Info("enrichment finished")
	}
	p.finish(ctx, sum)
	return sum, err
}

func (p *Pipeline) run(ctx context.Context, sum *Summary) error {
	cfg := p.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := p.checkRequirements(); err != nil {
		return err
	}

	if cfg.Catalog.CreateTable {
		exists, err := p.cat.TableExists(ctx, cfg.Catalog.Database, cfg.Catalog.Table)
		if err != nil {
			return err
		}
		if exists && !cfg.Catalog.OverwriteExistingTable {
			return fmt.Errorf("table %s.%s already exists and overwrite_existing_table is not set",
				cfg.Catalog.Database, cfg.Catalog.Table)
		}
	}

	dir := orgs.NewDirectory(p.deps.Orgs, orgs.Options{
		Concurrency: cfg.Accounts.Concurrency,
		ActiveOnly:  cfg.Accounts.ActiveOnly,
	}, p.log)
	if err := p.preflight(ctx, dir); err != nil {
		return err
	}

	accounts, err := dir.FetchAccounts(ctx)
	if err != nil {
		return err
	}
	tags := tagtable.Build(accounts, tagtable.Options{Prefix: cfg.Columns.TagPrefix})
	sum.Accounts = tags.Len()
	sum.TagColumns = tags.TagColumns()
	p.log.WithFields(logrus.Fields{"accounts": tags.Len(), "tag_columns": len(sum.TagColumns)}).Info("built account tag table")

	parts, err := partition.Discover(ctx, p.store, cfg.Source.Bucket, cfg.Source.Prefix, cfg.Source.FileSuffix)
	if err != nil {
		return err
	}
	found := len(parts)
	parts = partition.LastN(parts, cfg.IncrementalMonths)
	p.log.WithFields(logrus.Fields{"found": found, "selected": len(parts)}).Info("discovered partitions")
	if len(parts) == 0 {
		p.log.Warn("no partitions to process")
		return nil
	}

	var outCols []catalog.Column
	switch cfg.Mode {
	case config.ModeCTAS:
		outCols, err = p.runCTAS(ctx, sum, tags, parts)
	default:
		outCols, err = p.runMerge(ctx, sum, tags, parts)
	}
	if err != nil {
		return err
	}

	if cfg.Catalog.CreateTable {
		return p.createTable(ctx, sum, outCols, partition.Keys(parts), tags.Columns)
	}
	return nil
}

func (p *Pipeline) checkRequirements() error {
	if p.deps.Orgs == nil || p.deps.S3 == nil {
		return errors.New("organizations and s3 clients are required")
	}
	needAthena := p.cfg.Mode == config.ModeCTAS || p.cfg.Catalog.CreateTable
	if needAthena && (p.runner == nil || p.cat == nil) {
		return errors.New("athena and glue clients are required for ctas mode and table creation")
	}
	return nil
}

// preflight warns, or fails when required, if the caller is not the
// organization management account.
func (p *Pipeline) preflight(ctx context.Context, dir *orgs.Directory) error {
	if p.deps.Identity == nil {
		return nil
	}
	require := p.cfg.Accounts.RequireManagementAccount

	caller, err := orgs.CallerAccount(ctx, p.deps.Identity)
	if err == nil {
		err = dir.CheckManagementAccount(ctx, caller)
	}
	if err == nil {
		return nil
	}
	if require {
		return err
	}
	p.log.WithError(err).Warn("management account check did not pass, account list may be incomplete")
	return nil
}

func (p *Pipeline) runMerge(ctx context.Context, sum *Summary, tags *tagtable.Table, parts []partition.Partition) ([]catalog.Column, error) {
	cfg := p.cfg
	merger := merge.NewMerger(p.store, tags, merge.Options{
		Filter:             columns.NewFilter(cfg.Columns),
		PartitionByAccount: cfg.PartitionByAccount,
	}, cfg.Source.Bucket, cfg.Target.Bucket, p.log)

	var outCols []catalog.Column
	seen := map[string]bool{}
	for _, part := range parts {
		targetPrefix := cfg.TargetPrefixFor(part.Rel)
		r := PartitionResult{
			Rel:         part.Rel,
			Source:      objstore.URI(cfg.Source.Bucket, part.Prefix),
			Target:      objstore.URI(cfg.Target.Bucket, targetPrefix),
			SourceFiles: len(part.Files),
		}
		log := p.log.WithField("partition", part.Rel)

		if cfg.DryRun {
			log.WithFields(logrus.Fields{"files": len(part.Files), "target": r.Target}).Info("would merge partition")
			sum.add(r)
			if cfg.Catalog.CreateTable && len(outCols) == 0 {
				planned, err := merger.PlanColumns(ctx, part)
				if err != nil {
					return nil, fmt.Errorf("partition %s: %w", part.Rel, err)
				}
				for _, c := range planned {
					outCols = append(outCols, catalog.Column{Name: c.Name, Type: c.Type})
				}
			}
			continue
		}

		res, err := merger.Process(ctx, part, targetPrefix)
		if err != nil {
			r.Error = err.Error()
			sum.add(r)
			p.record(ctx, r)
			return nil, fmt.Errorf("partition %s: %w", part.Rel, err)
		}
		r.Rows = res.Rows
		r.Files = res.Files
		sum.add(r)
		p.record(ctx, r)

		for _, c := range res.Columns {
			if !seen[c.Name] {
				seen[c.Name] = true
				outCols = append(outCols, catalog.Column{Name: c.Name, Type: c.Type})
			}
		}
	}
	return outCols, nil
}

func (p *Pipeline) runCTAS(ctx context.Context, sum *Summary, tags *tagtable.Table, parts []partition.Partition) ([]catalog.Column, error) {
	cfg := p.cfg
	source, err := p.cat.LoadTableSchema(ctx, cfg.Source.Database, cfg.Source.Table)
	if err != nil {
		return nil, err
	}
	srcNames := make([]string, len(source.Columns))
	for i, c := range source.Columns {
		srcNames[i] = c.Name
	}
	sel := columns.Select(columns.NewFilter(cfg.Columns), srcNames, tags.Columns, cfg.PartitionByAccount)
	p.log.WithField("columns", sel.SelectList("", "")).Debug("ctas column selection")

	exec := ctas.NewExecutor(p.runner, p.store, p.cat, cfg.Source.Database, p.log)
	tagsTable := cfg.AccountTagsTable()
	if !cfg.DryRun {
		if err := exec.StageTags(ctx, tags, cfg.TagsLocation(), tagsTable); err != nil {
			return nil, err
		}
	}

	for _, part := range parts {
		targetPrefix := cfg.TargetPrefixFor(part.Rel)
		spec := ctas.Spec{
			Database:         cfg.Source.Database,
			TempTable:        ctas.TempTableName(cfg.Catalog.Table, part.Rel),
			SourceTable:      cfg.Source.Table,
			TagsTable:        tagsTable,
			ExternalLocation: objstore.URI(cfg.Target.Bucket, targetPrefix),
			Partition:        part.Values,
			Selection:        sel,
		}
		r := PartitionResult{
			Rel:         part.Rel,
			Source:      objstore.URI(cfg.Source.Bucket, part.Prefix),
			Target:      spec.ExternalLocation,
			SourceFiles: len(part.Files),
		}
		log := p.log.WithField("partition", part.Rel)

		if cfg.DryRun {
			stmt, err := ctas.BuildStatement(spec)
			if err != nil {
				return nil, fmt.Errorf("partition %s: %w", part.Rel, err)
			}
			r.SQL = stmt
			log.WithField("sql", stmt).Info("would run ctas")
			sum.add(r)
			continue
		}

		res, err := exec.Process(ctx, spec)
		if err != nil {
			var qerr *query.QueryError
			if errors.As(err, &qerr) {
				r.QueryID = qerr.QueryExecutionID
			}
			r.Error = err.Error()
			sum.add(r)
			p.record(ctx, r)
			return nil, fmt.Errorf("partition %s: %w", part.Rel, err)
		}
		r.QueryID = res.QueryExecutionID
		r.Rows = res.Rows
		r.ScannedBytes = res.ScannedBytes
		r.SQL = res.SQL
		sum.add(r)
		p.record(ctx, r)
	}
	return ctas.OutputColumns(sel, source.Columns), nil
}

// createTable registers the enriched data in Glue and loads its partitions.
func (p *Pipeline) createTable(ctx context.Context, sum *Summary, cols []catalog.Column, partKeys, accountCols []string) error {
	cfg := p.cfg
	schema := &catalog.TableSchema{
		Database: cfg.Catalog.Database,
		Table:    cfg.Catalog.Table,
		Location: cfg.TargetRoot(),
		Columns:  cols,
	}
	for _, k := range partKeys {
		schema.Partitions = append(schema.Partitions, catalog.Column{Name: k, Type: "string"})
	}
	if cfg.PartitionByAccount {
		schema.Partitions = append(schema.Partitions, catalog.Column{Name: columns.AccountColumn, Type: "string"})
	}
	sum.Table = schema

	if cfg.DryRun {
		p.log.WithField("plan", catalog.PlanText(schema, accountCols)).Info("would create table")
		return nil
	}
	if len(cols) == 0 {
		return fmt.Errorf("no output columns for table %s.%s", schema.Database, schema.Table)
	}

	if cfg.Catalog.OverwriteExistingTable {
		if _, err := p.cat.DeleteTableIfExists(ctx, schema.Database, schema.Table); err != nil {
			return err
		}
	}
	if err := p.cat.CreateParquetTable(ctx, schema); err != nil {
		return err
	}
	exec, err := catalog.RepairTable(ctx, p.runner, schema.Database, schema.Table)
	if err != nil {
		return fmt.Errorf("repair %s.%s: %w", schema.Database, schema.Table, err)
	}
	p.log.WithField("query_id", exec.QueryExecutionID).Info("repaired table partitions")
	return nil
}

func (p *Pipeline) record(ctx context.Context, r PartitionResult) {
	if p.deps.Ledger == nil || p.cfg.DryRun {
		return
	}
	status := ledger.StatusSucceeded
	if r.Error != "" {
		status = ledger.StatusFailed
	}
	err := p.deps.Ledger.Record(ctx, ledger.Record{
		RunID:        p.runID,
		Mode:         p.cfg.Mode,
		Status:       status,
		Partition:    r.Rel,
		Output:       r.Target,
		QueryID:      r.QueryID,
		Rows:         r.Rows,
		Files:        r.Files,
		ScannedBytes: r.ScannedBytes,
		Error:        r.Error,
	})
	if err != nil {
		p.log.WithError(err).WithField("partition", r.Rel).Warn("ledger write failed")
	}
}

// finish writes the run summary to the ledger and publishes it. Neither
// failure changes the run outcome.
func (p *Pipeline) finish(ctx context.Context, sum *Summary) {
	if p.cfg.DryRun {
		return
	}
	if p.deps.Ledger != nil {
		rec := ledger.Record{
			RunID:      p.runID,
			Mode:       sum.Mode,
			Status:     sum.Status,
			Rows:       sum.Rows,
			Files:      sum.Files,
			Partitions: len(sum.Partitions),
			Failed:     sum.Failed,
			Output:     sum.Target,
			StartedAt:  sum.StartedAt.Format(time.RFC3339),
		}
		if sum.Err != nil {
			rec.Error = sum.Err.Error()
		}
		if err := p.deps.Ledger.Finish(ctx, rec); err != nil {
			p.log.WithError(err).Warn("ledger summary write failed")
		}
	}
	if p.deps.Notifier != nil {
		if _, err := p.deps.Notifier.Publish(ctx, sum.Notification()); err != nil {
			p.log.WithError(err).Warn("summary notification failed")
		}
	}
}
