package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/marko911/pulse-bus/internal/bus"
)

const fieldQueueURL = "queue_url"

// Transport options understood by the queue and topic adapters.
const (
	optGroupID         = "group_id"
	optDeduplicationID = "deduplication_id"
	optDelaySeconds    = "delay_seconds"
	optSubject         = "subject"
)

// SQSAPI is the part of the SQS client the queue adapter uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// CloudQueue sends to a managed message queue.
type CloudQueue struct {
	cloudBase
	newClient func(cfg aws.Config, endpoint *string) SQSAPI
	logger    *slog.Logger
}

// NewCloudQueue creates the queue adapter.
func NewCloudQueue(cfg CloudConfig, logger *slog.Logger) *CloudQueue {
	return &CloudQueue{
		cloudBase: newCloudBase(cfg),
		newClient: func(cfg aws.Config, endpoint *string) SQSAPI {
			return sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.BaseEndpoint = endpoint })
		},
		logger: logger.With("adapter", string(bus.KindCloudQueue)),
	}
}

func (q *CloudQueue) Kind() bus.InstanceKind { return bus.KindCloudQueue }

func (q *CloudQueue) Describe(cred bus.Credential) Descriptor {
	return cloudDescriptor(cred, fieldQueueURL)
}

func (q *CloudQueue) Deliver(ctx context.Context, d Delivery) bus.Report {
	info, err := q.send(ctx, d)
	if err != nil {
		q.logger.Warn("send failed", "tenant_id", d.TenantID, "bus_id", d.Credential.ID, "error", err)
		return bus.Failure(err)
	}
	return bus.Success(info)
}

func (q *CloudQueue) send(ctx context.Context, d Delivery) (map[string]string, error) {
	queueURL := d.Credential.AccountValue(fieldQueueURL)
	if queueURL == "" {
		return nil, errors.New("missing queue_url")
	}

	cfg, err := q.awsConfig(d.TenantID, d.Credential)
	if err != nil {
		return nil, err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(d.Body)),
	}
	if v := d.Options[optDelaySeconds]; v != "" {
		delay, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", optDelaySeconds, v)
		}
		in.DelaySeconds = int32(delay)
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		in.MessageGroupId = aws.String(optionOr(d.Options, optGroupID, d.TenantID))
		in.MessageDeduplicationId = aws.String(optionOr(d.Options, optDeduplicationID, uuid.NewString()))
	}
	if attrs := extraOptions(d.Options, optGroupID, optDeduplicationID, optDelaySeconds); len(attrs) > 0 {
		in.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	out, err := q.newClient(cfg, endpoint(d.Credential)).SendMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	info := map[string]string{"message_id": aws.ToString(out.MessageId)}
	if out.SequenceNumber != nil {
		info["sequence_number"] = aws.ToString(out.SequenceNumber)
	}
	return info, nil
}

func optionOr(opts map[string]string, key, fallback string) string {
	if v := opts[key]; v != "" {
		return v
	}
	return fallback
}
