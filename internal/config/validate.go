package config

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks the fields a run needs. It assumes ApplyDefaults ran.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Source.Bucket == "" {
		add("source bucket is required")
	}
	if c.Target.Bucket == "" {
		add("target bucket is required")
	}
	if c.Source.Bucket != "" && c.Source.Bucket == c.Target.Bucket && insidePrefix(c.Target.Prefix, c.Source.Prefix) {
		add("target prefix %q must be outside source prefix %q", c.Target.Prefix, c.Source.Prefix)
	}

	switch c.Mode {
	case ModeMerge:
	case ModeCTAS:
		if c.Source.Table == "" {
			add("ctas mode requires source table")
		}
		if c.QueryDatabase() == "" {
			add("ctas mode requires a database")
		}
		if c.Athena.OutputLocation == "" {
			add("ctas mode requires athena output location")
		}
	default:
		add("unknown mode %q (want %s or %s)", c.Mode, ModeMerge, ModeCTAS)
	}

	if c.Athena.OutputLocation != "" && !strings.HasPrefix(c.Athena.OutputLocation, "s3://") {
		add("athena output location must start with s3://")
	}
	if c.Accounts.TagsLocation != "" && !strings.HasPrefix(c.Accounts.TagsLocation, "s3://") {
		add("accounts tags location must start with s3://")
	}
	if c.IncrementalMonths < 0 {
		add("incremental months must be >= 0")
	}

	if c.Catalog.CreateTable {
		if c.Catalog.Database == "" || c.Catalog.Table == "" {
			add("create table requires catalog database and table")
		}
		if c.Athena.OutputLocation == "" {
			add("create table requires athena output location for partition repair")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// insidePrefix reports whether child equals parent or sits under it, matched
// on whole path segments.
func insidePrefix(child, parent string) bool {
	child, parent = trimSlashes(child), trimSlashes(parent)
	if parent == "" {
		return true
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}
