package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"

	"github.com/marko911/pulse-bus/internal/bus"
)

const (
	fieldStreamName = "stream_name"
	fieldStreamARN  = "stream_arn"

	optPartitionKey    = "partition_key"
	optExplicitHashKey = "explicit_hash_key"
)

// KinesisAPI is the part of the Kinesis client the stream adapter uses.
type KinesisAPI interface {
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// CloudStream appends to a managed data stream.
type CloudStream struct {
	cloudBase
	newClient func(cfg aws.Config, endpoint *string) KinesisAPI
	logger    *slog.Logger
}

// NewCloudStream creates the stream adapter.
func NewCloudStream(cfg CloudConfig, logger *slog.Logger) *CloudStream {
	return &CloudStream{
		cloudBase: newCloudBase(cfg),
		newClient: func(cfg aws.Config, endpoint *string) KinesisAPI {
			return kinesis.NewFromConfig(cfg, func(o *kinesis.Options) { o.BaseEndpoint = endpoint })
		},
		logger: logger.With("adapter", string(bus.KindCloudStream)),
	}
}

func (s *CloudStream) Kind() bus.InstanceKind { return bus.KindCloudStream }

func (s *CloudStream) Describe(cred bus.Credential) Descriptor {
	return cloudDescriptor(cred, fieldStreamName, fieldStreamARN)
}

func (s *CloudStream) Deliver(ctx context.Context, d Delivery) bus.Report {
	info, err := s.put(ctx, d)
	if err != nil {
		s.logger.Warn("put record failed", "tenant_id", d.TenantID, "bus_id", d.Credential.ID, "error", err)
		return bus.Failure(err)
	}
	return bus.Success(info)
}

func (s *CloudStream) put(ctx context.Context, d Delivery) (map[string]string, error) {
	name := d.Credential.AccountValue(fieldStreamName)
	arn := d.Credential.AccountValue(fieldStreamARN)
	if name == "" && arn == "" {
		return nil, errors.New("missing stream_name or stream_arn")
	}

	cfg, err := s.awsConfig(d.TenantID, d.Credential)
	if err != nil {
		return nil, err
	}

	in := &kinesis.PutRecordInput{
		Data:         d.Body,
		PartitionKey: aws.String(optionOr(d.Options, optPartitionKey, uuid.NewString())),
	}
	if arn != "" {
		in.StreamARN = aws.String(arn)
	} else {
		in.StreamName = aws.String(name)
	}
	if v := d.Options[optExplicitHashKey]; v != "" {
		in.ExplicitHashKey = aws.String(v)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.newClient(cfg, endpoint(d.Credential)).PutRecord(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("put record: %w", err)
	}

	return map[string]string{
		"shard_id":        aws.ToString(out.ShardId),
		"sequence_number": aws.ToString(out.SequenceNumber),
	}, nil
}
