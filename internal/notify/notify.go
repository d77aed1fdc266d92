// Package notify publishes run summaries to an SNS topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Summary is the notification payload.
type Summary struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	Mode       string   `json:"mode"`
	DryRun     bool     `json:"dry_run,omitempty"`
	Partitions int      `json:"partitions"`
	Failed     int      `json:"failed"`
	Rows       int64    `json:"rows"`
	Files      int      `json:"files"`
	Accounts   int      `json:"accounts"`
	Table      string   `json:"table,omitempty"`
	Target     string   `json:"target"`
	Processed  []string `json:"processed,omitempty"`
	Error      string   `json:"error,omitempty"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
}

type Notifier struct {
	client   Client
	topicARN string
}

func New(client Client, topicARN string) *Notifier {
	return &Notifier{client: client, topicARN: topicARN}
}

func Subject(s Summary) string {
	return fmt.Sprintf("cur-enrich %s: %d partitions", s.Status, s.Partitions)
}

// Publish sends the JSON encoded summary.
func (n *Notifier) Publish(ctx context.Context, s Summary) (string, error) {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(Subject(s)),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sns Publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
