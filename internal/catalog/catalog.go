// Package catalog manages the Glue tables over the enriched data.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"curenrich/internal/query"
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *glue.DeleteTableInput, optFns ...func(*glue.Options)) (*glue.DeleteTableOutput, error)
}

type Column struct {
	Name string
	Type string
}

type TableSchema struct {
	Database   string
	Table      string
	Location   string
	Columns    []Column
	Partitions []Column
}

type Catalog struct {
	client GlueClient
	logger logrus.FieldLogger
}

func New(client GlueClient, logger logrus.FieldLogger) *Catalog {
	return &Catalog{client: client, logger: logger}
}

// IsNotFound reports whether err is a Glue EntityNotFoundException.
func IsNotFound(err error) bool {
	var nf *gluetypes.EntityNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityNotFoundException"
}

func (c *Catalog) TableExists(ctx context.Context, database, table string) (bool, error) {
	_, err := c.client.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("glue GetTable %s.%s: %w", database, table, err)
}

func (c *Catalog) LoadTableSchema(ctx context.Context, database, table string) (*TableSchema, error) {
	out, err := c.client.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err != nil {
		return nil, fmt.Errorf("glue GetTable %s.%s: %w", database, table, err)
	}

	ti := out.Table
	schema := &TableSchema{
		Database: database,
		Table:    aws.ToString(ti.Name),
	}
	if sd := ti.StorageDescriptor; sd != nil {
		schema.Location = aws.ToString(sd.Location)
		for _, col := range sd.Columns {
			schema.Columns = append(schema.Columns, Column{
				Name: aws.ToString(col.Name),
				Type: strings.ToLower(aws.ToString(col.Type)),
			})
		}
	}
	for _, p := range ti.PartitionKeys {
		schema.Partitions = append(schema.Partitions, Column{
			Name: aws.ToString(p.Name),
			Type: strings.ToLower(aws.ToString(p.Type)),
		})
	}
	return schema, nil
}

// DeleteTableIfExists drops the table definition; the data stays.
func (c *Catalog) DeleteTableIfExists(ctx context.Context, database, table string) (bool, error) {
	_, err := c.client.DeleteTable(ctx, &glue.DeleteTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err == nil {
		c.logger.WithField("table", database+"."+table).Info("deleted glue table")
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("glue DeleteTable %s.%s: %w", database, table, err)
}

// CreateParquetTable registers an external parquet table at s.Location.
func (c *Catalog) CreateParquetTable(ctx context.Context, s *TableSchema) error {
	location := strings.TrimSuffix(s.Location, "/") + "/"

	_, err := c.client.CreateTable(ctx, &glue.CreateTableInput{
		DatabaseName: aws.String(s.Database),
		TableInput: &gluetypes.TableInput{
			Name:          aws.String(s.Table),
			TableType:     aws.String("EXTERNAL_TABLE"),
			PartitionKeys: glueColumns(s.Partitions),
			Parameters: map[string]string{
				"classification":  "parquet",
				"compressionType": "snappy",
				"typeOfData":      "file",
				"EXTERNAL":        "TRUE",
			},
			StorageDescriptor: &gluetypes.StorageDescriptor{
				Columns:      glueColumns(s.Columns),
				Location:     aws.String(location),
				InputFormat:  aws.String("org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"),
				OutputFormat: aws.String("org.apache.hadoop.hive.ql.io.parquet.MapredParquetOutputFormat"),
				SerdeInfo: &gluetypes.SerDeInfo{
					SerializationLibrary: aws.String("org.apache.hadoop.hive.ql.io.parquet.serde.ParquetHiveSerDe"),
					Parameters:           map[string]string{"serialization.format": "1"},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("glue CreateTable %s.%s: %w", s.Database, s.Table, err)
	}
	c.logger.WithFields(logrus.Fields{"table": s.Database + "." + s.Table, "location": location}).Info("created glue table")
	return nil
}

// RepairTable loads the partitions found under the table location.
func RepairTable(ctx context.Context, r *query.Runner, database, table string) (*query.Execution, error) {
	return r.Run(ctx, database, fmt.Sprintf("MSCK REPAIR TABLE `%s`", table))
}

// PlanText renders a table plan for logs and dry runs. Columns named in
// accountColumns are listed apart from the CUR columns, and partitions are
// shown as the hive path below the location:
//
//	cur.cur_enriched at s3://cur-target/enriched/
//	  cur columns (2): identity_line_item_id string, line_item_unblended_cost double
//	  account columns (1): account_tag_cost_center string
//	  partitions: year=*/month=*/line_item_usage_account_id=*
func PlanText(s *TableSchema, accountColumns []string) string {
	fromAccount := make(map[string]bool, len(accountColumns))
	for _, c := range accountColumns {
		fromAccount[c] = true
	}
	var cur, acct []string
	for _, c := range s.Columns {
		if fromAccount[c.Name] {
			acct = append(acct, c.Name+" "+c.Type)
			continue
		}
		cur = append(cur, c.Name+" "+c.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s at %s\n", s.Database, s.Table, s.Location)
	writeColumns(&b, "cur columns", cur)
	writeColumns(&b, "account columns", acct)
	if len(s.Partitions) > 0 {
		dirs := make([]string, len(s.Partitions))
		for i, p := range s.Partitions {
			dirs[i] = p.Name + "=*"
		}
		fmt.Fprintf(&b, "  partitions: %s\n", strings.Join(dirs, "/"))
	}
	return b.String()
}

func writeColumns(b *strings.Builder, label string, cols []string) {
	if len(cols) == 0 {
		fmt.Fprintf(b, "  %s: none\n", label)
		return
	}
	fmt.Fprintf(b, "  %s (%d): %s\n", label, len(cols), strings.Join(cols, ", "))
}

func glueColumns(cols []Column) []gluetypes.Column {
	out := make([]gluetypes.Column, 0, len(cols))
	for _, c := range cols {
		out = append(out, gluetypes.Column{Name: aws.String(c.Name), Type: aws.String(c.Type)})
	}
	return out
}
