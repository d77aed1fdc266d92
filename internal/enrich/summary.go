package enrich

import (
	"time"

	"curenrich/internal/catalog"
	"curenrich/internal/notify"
)

const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusPlanned   = "PLANNED"
)

// PartitionResult is the outcome, or the plan in a dry run, of one partition.
type PartitionResult struct {
	Rel          string `json:"partition"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceFiles  int    `json:"source_files"`
	Rows         int64  `json:"rows"`
	Files        int    `json:"files"`
	QueryID      string `json:"query_id,omitempty"`
	ScannedBytes int64  `json:"scanned_bytes,omitempty"`
	SQL          string `json:"sql,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Summary struct {
	RunID      string
	Mode       string
	Status     string
	DryRun     bool
	Accounts   int
	TagColumns []string
	Partitions []PartitionResult
	Rows       int64
	Files      int
	Failed     int
	Target     string
	// Table is set when a Glue table was (or would be) created.
	Table      *catalog.TableSchema
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s *Summary) add(r PartitionResult) {
	s.Partitions = append(s.Partitions, r)
	s.Rows += r.Rows
	s.Files += r.Files
	if r.Error != "" {
		s.Failed++
	}
}

func (s *Summary) tableName() string {
	if s.Table == nil {
		return ""
	}
	return s.Table.Database + "." + s.Table.Table
}

// Notification converts the summary to the SNS payload.
func (s *Summary) Notification() notify.Summary {
	n := notify.Summary{
		RunID:      s.RunID,
		Status:     s.Status,
		Mode:       s.Mode,
		DryRun:     s.DryRun,
		Partitions: len(s.Partitions),
		Failed:     s.Failed,
		Rows:       s.Rows,
		Files:      s.Files,
		Accounts:   s.Accounts,
		Table:      s.tableName(),
		Target:     s.Target,
		StartedAt:  s.StartedAt.Format(time.RFC3339),
		FinishedAt: s.FinishedAt.Format(time.RFC3339),
	}
	for _, p := range s.Partitions {
		n.Processed = append(n.Processed, p.Rel)
	}
	if s.Err != nil {
		n.Error = s.Err.Error()
	}
	return n
}

// Response is the lambda return value.
func (s *Summary) Response() map[string]any {
	out := map[string]any{
		"ok":         s.Status != StatusFailed,
		"run_id":     s.RunID,
		"status":     s.Status,
		"mode":       s.Mode,
		"dry_run":    s.DryRun,
		"accounts":   s.Accounts,
		"partitions": len(s.Partitions),
		"failed":     s.Failed,
		"rows":       s.Rows,
		"files":      s.Files,
		"target":     s.Target,
	}
	if t := s.tableName(); t != "" {
		out["table"] = t
	}
	if s.Err != nil {
		out["error"] = s.Err.Error()
	}
	return out
}
