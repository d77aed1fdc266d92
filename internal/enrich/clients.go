package enrich

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"curenrich/internal/config"
	"curenrich/internal/ledger"
	"curenrich/internal/notify"
)

// NewDeps builds the AWS clients for cfg. The ledger and notifier are only
// set when their table or topic is configured.
func NewDeps(awsCfg aws.Config, cfg *config.Config) Deps {
	d := Deps{
		Orgs:     organizations.NewFromConfig(awsCfg),
		Identity: sts.NewFromConfig(awsCfg),
		S3:       s3.NewFromConfig(awsCfg),
		Athena:   athena.NewFromConfig(awsCfg),
		Glue:     glue.NewFromConfig(awsCfg),
	}
	if cfg.Ledger.Table != "" {
		d.Ledger = ledger.New(dynamodb.NewFromConfig(awsCfg), cfg.Ledger.Table, cfg.Ledger.TTLDays)
	}
	if cfg.Notify.TopicARN != "" {
		d.Notifier = notify.New(sns.NewFromConfig(awsCfg), cfg.Notify.TopicARN)
	}
	return d
}

// LoadConfig reads the YAML file at path with env overrides, then resolves
// ssm: references.
func LoadConfig(ctx context.Context, awsCfg aws.Config, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ResolveParameters(ctx, ssm.NewFromConfig(awsCfg), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
