// Package sqs adapts AWS SQS to the broker.Broker contract.
package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"log/slog"

	"go.flowcatalyst.tech/internal/broker"
)

// Visibility timeout bounds, matching the queue's own limits.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200 // 12h, SQS hard limit
)

// ClientAPI is the subset of the SQS SDK client this adapter needs, kept
// narrow so tests can substitute a fake.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config configures the adapter.
type Config struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32

	// CustomEndpoint overrides the SQS endpoint for LocalStack/testing.
	CustomEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
}

func (c *Config) applyDefaults() {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 120
	}
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = 10
	}
}

// Adapter implements broker.Broker against a single SQS FIFO queue.
type Adapter struct {
	client   ClientAPI
	queueURL string
	cfg      Config
}

// New creates an adapter, loading AWS credentials from the environment/role
// chain unless CustomEndpoint/AccessKeyID are set for LocalStack testing.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	cfg.applyDefaults()

	var awsCfg aws.Config
	var err error

	if cfg.CustomEndpoint != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *sqs.Client
	if cfg.CustomEndpoint != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	return &Adapter{client: client, queueURL: cfg.QueueURL, cfg: cfg}, nil
}

// NewWithClient wires a pre-built client, used by tests.
func NewWithClient(client ClientAPI, cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{client: client, queueURL: cfg.QueueURL, cfg: cfg}
}

// Poll receives up to maxMessages with long polling. SQS caps a single
// receive at 10 messages regardless of maxMessages; callers that need more
// should poll in a loop, which internal/consumer already does.
func (a *Adapter) Poll(ctx context.Context, maxMessages int, waitTime time.Duration) ([]broker.Delivery, error) {
	if maxMessages > 10 {
		maxMessages = 10
	}
	if maxMessages <= 0 {
		maxMessages = int(a.cfg.MaxNumberOfMessages)
	}

	waitSeconds := int32(waitTime.Seconds())
	if waitSeconds > 20 {
		waitSeconds = 20
	}

	out, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(a.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     a.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]broker.Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		groupID := ""
		if msg.Attributes != nil {
			groupID = msg.Attributes["MessageGroupId"]
		}
		var body []byte
		if msg.Body != nil {
			body = []byte(*msg.Body)
		}
		deliveries = append(deliveries, broker.Delivery{
			Receipt:        broker.NewReceipt(aws.ToString(msg.ReceiptHandle)),
			MessageID:      aws.ToString(msg.MessageId),
			MessageGroupID: groupID,
			Body:           body,
		})
	}
	return deliveries, nil
}

// Ack deletes the message, permanently removing it from the queue.
func (a *Adapter) Ack(ctx context.Context, receipt broker.Receipt) error {
	handle, ok := receipt.Unwrap().(string)
	if !ok || handle == "" {
		return fmt.Errorf("sqs ack: invalid receipt")
	}
	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			slog.Debug("sqs ack: receipt handle already expired, treating as acked")
			return nil
		}
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Nack changes the visibility timeout to delay (or the default retry
// window if delay is zero), making the message eligible for redelivery.
func (a *Adapter) Nack(ctx context.Context, receipt broker.Receipt, delay time.Duration) error {
	seconds := int32(delay.Seconds())
	if delay == 0 {
		seconds = DefaultVisibilitySeconds
	}
	return a.changeVisibility(ctx, receipt, clampVisibility(seconds))
}

// ExtendVisibility pushes the redelivery deadline out by extension.
func (a *Adapter) ExtendVisibility(ctx context.Context, receipt broker.Receipt, extension time.Duration) error {
	return a.changeVisibility(ctx, receipt, clampVisibility(int32(extension.Seconds())))
}

func (a *Adapter) changeVisibility(ctx context.Context, receipt broker.Receipt, seconds int32) error {
	handle, ok := receipt.Unwrap().(string)
	if !ok || handle == "" {
		return fmt.Errorf("sqs change visibility: invalid receipt")
	}
	_, err := a.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			slog.Debug("sqs change visibility: receipt handle expired, not fatal")
			return nil
		}
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

// HealthCheck verifies the queue is reachable, for the broker health
// registry (health.BrokerHealthService).
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(a.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func clampVisibility(seconds int32) int32 {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return seconds
}

func isReceiptHandleExpired(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return containsAny(s, "receipt handle has expired", "ReceiptHandleIsInvalid")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i <= len(s)-len(sub); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
