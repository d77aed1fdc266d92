package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmRefPrefix marks a value to be read from SSM Parameter Store,
// e.g. "ssm:/cur-enrich/prod/target-bucket".
const ssmRefPrefix = "ssm:"

type ParameterClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveParameters replaces every ssm: reference in the string fields of
// cfg with the parameter value. Parameters are fetched once per name.
func ResolveParameters(ctx context.Context, c ParameterClient, cfg *Config) error {
	fields := []*string{
		&cfg.Source.Bucket,
		&cfg.Source.Prefix,
		&cfg.Source.Database,
		&cfg.Source.Table,
		&cfg.Target.Bucket,
		&cfg.Target.Prefix,
		&cfg.Accounts.TagsLocation,
		&cfg.Catalog.Database,
		&cfg.Catalog.Table,
		&cfg.Athena.Workgroup,
		&cfg.Athena.OutputLocation,
		&cfg.Ledger.Table,
		&cfg.Notify.TopicARN,
	}

	cache := map[string]string{}
	for _, f := range fields {
		name, ok := parameterName(*f)
		if !ok {
			continue
		}
		if v, hit := cache[name]; hit {
			*f = v
			continue
		}
		out, err := c.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("ssm GetParameter %s: %w", name, err)
		}
		if out.Parameter == nil {
			return fmt.Errorf("ssm parameter %s has no value", name)
		}
		v := strings.TrimSpace(aws.ToString(out.Parameter.Value))
		cache[name] = v
		*f = v
	}

	// prefixes may have come back with slashes
	cfg.Source.Prefix = trimSlashes(cfg.Source.Prefix)
	cfg.Target.Prefix = trimSlashes(cfg.Target.Prefix)
	return nil
}

func parameterName(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, ssmRefPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(v, ssmRefPrefix)
	// accept ssm:/a/b and ssm:///a/b
	if strings.HasPrefix(name, "/") {
		name = "/" + strings.TrimLeft(name, "/")
	}
	if name == "" || name == "/" {
		return "", false
	}
	return name, true
}
