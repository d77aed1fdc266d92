package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeMerge = "merge"
	ModeCTAS  = "ctas"

	DefaultFileSuffix   = ".parquet"
	DefaultTagPrefix    = "account_tag_"
	DefaultWorkgroup    = "primary"
	DefaultConcurrency  = 4
	DefaultLedgerTTL    = 30
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 30 * time.Minute
)

// Config drives one enrichment run.
type Config struct {
	Mode               string `yaml:"mode"`
	IncrementalMonths  int    `yaml:"incremental_months"`
	PartitionByAccount bool   `yaml:"partition_by_account"`
	DryRun             bool   `yaml:"dry_run"`

	Source   Source   `yaml:"source"`
	Target   Target   `yaml:"target"`
	Columns  Columns  `yaml:"columns"`
	Accounts Accounts `yaml:"accounts"`
	Catalog  Catalog  `yaml:"catalog"`
	Athena   Athena   `yaml:"athena"`
	Ledger   Ledger   `yaml:"ledger"`
	Notify   Notify   `yaml:"notify"`
	Logging  Logging  `yaml:"logging"`
}

// Source is where the CUR parquet data lives. Prefix is the path right
// before the partition directories (i.e. before /year=2020).
type Source struct {
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	FileSuffix string `yaml:"file_suffix"`
	// Database and Table name the Glue table over the source data; only
	// ctas mode reads them.
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

type Target struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type Columns struct {
	IncludeFields      []string `yaml:"include_fields"`
	ExcludeFields      []string `yaml:"exclude_fields"`
	IncludeAccountTags []string `yaml:"include_account_tags"`
	ExcludeAccountTags []string `yaml:"exclude_account_tags"`
	TagPrefix          string   `yaml:"tag_prefix"`
}

type Accounts struct {
	Concurrency              int    `yaml:"concurrency"`
	ActiveOnly               bool   `yaml:"active_only"`
	RequireManagementAccount bool   `yaml:"require_management_account"`
	TagsLocation             string `yaml:"tags_location"` // s3://bucket/prefix/, ctas only
}

type Catalog struct {
	CreateTable            bool   `yaml:"create_table"`
	OverwriteExistingTable bool   `yaml:"overwrite_existing_table"`
	Database               string `yaml:"database"`
	Table                  string `yaml:"table"`
}

type Athena struct {
	Workgroup      string        `yaml:"workgroup"`
	OutputLocation string        `yaml:"output_location"` // s3://bucket/athena-results/
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

type Ledger struct {
	Table   string `yaml:"table"`
	TTLDays int    `yaml:"ttl_days"`
}

type Notify struct {
	TopicARN string `yaml:"topic_arn"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every optional field defaulted.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values and normalizes prefixes.
func (c *Config) ApplyDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeMerge
	}
	c.Source.Prefix = trimSlashes(c.Source.Prefix)
	c.Target.Prefix = trimSlashes(c.Target.Prefix)
	if c.Source.FileSuffix == "" {
		c.Source.FileSuffix = DefaultFileSuffix
	}
	if c.Source.Database == "" {
		c.Source.Database = c.Catalog.Database
	}
	if c.Columns.TagPrefix == "" {
		c.Columns.TagPrefix = DefaultTagPrefix
	}
	if c.Accounts.Concurrency <= 0 {
		c.Accounts.Concurrency = DefaultConcurrency
	}
	if c.Athena.Workgroup == "" {
		c.Athena.Workgroup = DefaultWorkgroup
	}
	if c.Athena.PollInterval <= 0 {
		c.Athena.PollInterval = DefaultPollInterval
	}
	if c.Athena.MaxWait <= 0 {
		c.Athena.MaxWait = DefaultMaxWait
	}
	if c.Ledger.TTLDays <= 0 {
		c.Ledger.TTLDays = DefaultLedgerTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// TargetRoot is the s3:// location that holds every enriched partition.
func (c *Config) TargetRoot() string {
	return S3URI(c.Target.Bucket, ensureTrailingSlash(c.Target.Prefix))
}

// TargetPrefixFor returns the object key prefix for a partition directory
// relative to the target root, always ending in "/".
func (c *Config) TargetPrefixFor(rel string) string {
	return ensureTrailingSlash(joinKey(c.Target.Prefix, rel))
}

// TagsLocation is where ctas mode stages the account tag table. It defaults
// to a sibling of the target prefix so partition repair never picks it up.
func (c *Config) TagsLocation() string {
	if c.Accounts.TagsLocation != "" {
		return ensureTrailingSlash(c.Accounts.TagsLocation)
	}
	base := c.Target.Prefix
	if base == "" {
		base = "cur-enriched"
	}
	return S3URI(c.Target.Bucket, base+"-account-tags/")
}

// AccountTagsTable is the Glue table registered over TagsLocation.
func (c *Config) AccountTagsTable() string {
	base := c.Catalog.Table
	if base == "" {
		base = "cur_enriched"
	}
	return base + "_account_tags"
}

// QueryDatabase is the database Athena statements run against.
func (c *Config) QueryDatabase() string {
	if c.Catalog.Database != "" {
		return c.Catalog.Database
	}
	return c.Source.Database
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"CUR_MODE":            &cfg.Mode,
		"CUR_SOURCE_BUCKET":   &cfg.Source.Bucket,
		"CUR_SOURCE_PREFIX":   &cfg.Source.Prefix,
		"CUR_SOURCE_DATABASE": &cfg.Source.Database,
		"CUR_SOURCE_TABLE":    &cfg.Source.Table,
		"CUR_TARGET_BUCKET":   &cfg.Target.Bucket,
		"CUR_TARGET_PREFIX":   &cfg.Target.Prefix,
		"CUR_TAGS_LOCATION":   &cfg.Accounts.TagsLocation,
		"GLUE_DATABASE":       &cfg.Catalog.Database,
		"GLUE_TABLE":          &cfg.Catalog.Table,
		"ATHENA_WORKGROUP":    &cfg.Athena.Workgroup,
		"ATHENA_OUTPUT":       &cfg.Athena.OutputLocation,
		"LEDGER_TABLE":        &cfg.Ledger.Table,
		"NOTIFY_TOPIC_ARN":    &cfg.Notify.TopicARN,
		"LOG_LEVEL":           &cfg.Logging.Level,
		"LOG_FORMAT":          &cfg.Logging.Format,
	}
	for name, dst := range str {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CUR_INCREMENTAL_MONTHS":  &cfg.IncrementalMonths,
		"CUR_ACCOUNT_CONCURRENCY": &cfg.Accounts.Concurrency,
		"LEDGER_TTL_DAYS":         &cfg.Ledger.TTLDays,
	}
	for name, dst := range ints {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, v, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"CUR_PARTITION_BY_ACCOUNT":      &cfg.PartitionByAccount,
		"CUR_DRY_RUN":                   &cfg.DryRun,
		"CUR_ACTIVE_ACCOUNTS_ONLY":      &cfg.Accounts.ActiveOnly,
		"GLUE_CREATE_TABLE":             &cfg.Catalog.CreateTable,
		"GLUE_OVERWRITE_EXISTING_TABLE": &cfg.Catalog.OverwriteExistingTable,
	}
	for name, dst := range bools {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, v, err)
		}
		*dst = b
	}

	lists := map[string]*[]string{
		"CUR_INCLUDE_FIELDS":       &cfg.Columns.IncludeFields,
		"CUR_EXCLUDE_FIELDS":       &cfg.Columns.ExcludeFields,
		"CUR_INCLUDE_ACCOUNT_TAGS": &cfg.Columns.IncludeAccountTags,
		"CUR_EXCLUDE_ACCOUNT_TAGS": &cfg.Columns.ExcludeAccountTags,
	}
	for name, dst := range lists {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = SplitList(v)
		}
	}
	return nil
}

// SplitList splits a comma separated value, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func S3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

func trimSlashes(s string) string {
	return strings.Trim(strings.TrimSpace(s), "/")
}

func ensureTrailingSlash(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func joinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
