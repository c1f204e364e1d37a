// Package review forwards technician actions that need expert attention to
// an SQS queue.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Message attribute names set on every review message.
const (
	AttrReasons   = "reasons"
	AttrFailureID = "failure_id"
	AttrTicketID  = "ticket_id"
)

// sqsAPI is the subset of *sqs.Client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue implements failure.ReviewQueue backed by AWS (or LocalStack) SQS.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

var _ failure.ReviewQueue = (*SQSQueue)(nil)

// NewSQSClient builds an SQS client from the default AWS credential chain.
// A non-empty endpoint points the client at LocalStack or ElasticMQ.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("review: load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewSQSQueue wraps client. Queue URLs ending in .fifo get a message group
// per ticket and deduplicate on the action id.
func NewSQSQueue(client sqsAPI, queueURL string, logger *zap.Logger) (*SQSQueue, error) {
	if client == nil {
		return nil, errors.New("review: SQS client cannot be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("review: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}, nil
}

// Enqueue sends item as a JSON message body.
func (q *SQSQueue) Enqueue(ctx context.Context, item failure.ReviewItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("review: marshal item: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttrReasons:  stringAttr(strings.Join(item.Reasons, ",")),
			AttrTicketID: stringAttr(item.TicketID),
		},
	}
	if item.FailureID != "" {
		input.MessageAttributes[AttrFailureID] = stringAttr(item.FailureID)
	}
	if q.fifo {
		input.MessageGroupId = aws.String(item.TicketID)
		input.MessageDeduplicationId = aws.String(item.ActionID)
	}

	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("review: failed to send SQS message: %w", err)
	}
	q.logger.Info("action queued for review",
		zap.String("action_id", item.ActionID),
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.Strings("reasons", item.Reasons),
	)
	return nil
}

// stringAttr substitutes "-" for empty values, which SQS rejects.
func stringAttr(v string) types.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
