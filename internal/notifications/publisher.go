package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher fans domain events out to other systems.
type Publisher interface {
	PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error
}

type snsPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSPublisher publishes to topicARN. Without a client or topic it
// returns a publisher that does nothing.
func NewSNSPublisher(client SNSAPI, topicARN string, logger *zap.Logger) Publisher {
	if client == nil || topicARN == "" {
		return NopPublisher{}
	}
	return &snsPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *snsPublisher) PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error {
	event.Type = EventBatchCompleted
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(EventBatchCompleted)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", EventBatchCompleted, err)
	}
	if out != nil && out.MessageId != nil {
		p.logger.Debug("Published batch event", zap.String("batch_id", event.BatchID), zap.String("message_id", *out.MessageId))
	}
	return nil
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) PublishBatchCompleted(context.Context, BatchCompletedEvent) error { return nil }
