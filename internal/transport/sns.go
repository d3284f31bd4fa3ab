package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/marko911/pulse-bus/internal/bus"
)

const fieldTopicARN = "topic_arn"

// SNSAPI is the part of the SNS client the topic adapter uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// CloudTopic publishes to a managed pub/sub topic.
type CloudTopic struct {
	cloudBase
	newClient func(cfg aws.Config, endpoint *string) SNSAPI
	logger    *slog.Logger
}

// NewCloudTopic creates the topic adapter.
func NewCloudTopic(cfg CloudConfig, logger *slog.Logger) *CloudTopic {
	return &CloudTopic{
		cloudBase: newCloudBase(cfg),
		newClient: func(cfg aws.Config, endpoint *string) SNSAPI {
			return sns.NewFromConfig(cfg, func(o *sns.Options) { o.BaseEndpoint = endpoint })
		},
		logger: logger.With("adapter", string(bus.KindCloudTopic)),
	}
}

func (t *CloudTopic) Kind() bus.InstanceKind { return bus.KindCloudTopic }

func (t *CloudTopic) Describe(cred bus.Credential) Descriptor {
	return cloudDescriptor(cred, fieldTopicARN)
}

func (t *CloudTopic) Deliver(ctx context.Context, d Delivery) bus.Report {
	info, err := t.publish(ctx, d)
	if err != nil {
		t.logger.Warn("publish failed", "tenant_id", d.TenantID, "bus_id", d.Credential.ID, "error", err)
		return bus.Failure(err)
	}
	return bus.Success(info)
}

func (t *CloudTopic) publish(ctx context.Context, d Delivery) (map[string]string, error) {
	topicARN := d.Credential.AccountValue(fieldTopicARN)
	if topicARN == "" {
		return nil, errors.New("missing topic_arn")
	}

	cfg, err := t.awsConfig(d.TenantID, d.Credential)
	if err != nil {
		return nil, err
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(d.Body)),
	}
	if v := d.Options[optSubject]; v != "" {
		in.Subject = aws.String(v)
	}
	if strings.HasSuffix(topicARN, ".fifo") {
		in.MessageGroupId = aws.String(optionOr(d.Options, optGroupID, d.TenantID))
		in.MessageDeduplicationId = aws.String(optionOr(d.Options, optDeduplicationID, uuid.NewString()))
	}
	if attrs := extraOptions(d.Options, optGroupID, optDeduplicationID, optSubject); len(attrs) > 0 {
		in.MessageAttributes = make(map[string]snstypes.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = snstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	out, err := t.newClient(cfg, endpoint(d.Credential)).Publish(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	info := map[string]string{"message_id": aws.ToString(out.MessageId)}
	if out.SequenceNumber != nil {
		info["sequence_number"] = aws.ToString(out.SequenceNumber)
	}
	return info, nil
}
