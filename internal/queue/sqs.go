package queue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifyd/internal/types"
)

// sqsMaxDelay is the SQS DelaySeconds ceiling.
const sqsMaxDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSAPI is the subset of *sqs.Client used by SQSBroker.
type SQSAPI interface {
	SQSSender
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSBroker maps routing keys onto standard SQS queues. Delays use
// DelaySeconds; dead-lettering copies the body to the failed queue and
// deletes the original.
type SQSBroker struct {
	client   SQSAPI
	queues   map[string]string
	waitTime time.Duration
	logger   types.Logger
}

// NewSQSBroker creates an SQSBroker. queues maps routing key to queue URL and
// must contain RoutingFailed.
func NewSQSBroker(client SQSAPI, queues map[string]string, waitTime time.Duration, logger types.Logger) *SQSBroker {
	return &SQSBroker{
		client:   client,
		queues:   queues,
		waitTime: waitTime,
		logger:   logger,
	}
}

func (b *SQSBroker) queueURL(routingKey string) (string, error) {
	url, ok := b.queues[routingKey]
	if !ok || url == "" {
		return "", fmt.Errorf("queue: no SQS queue configured for routing key %q", routingKey)
	}
	return url, nil
}

// Publish sends msg to the queue bound to routingKey.
func (b *SQSBroker) Publish(ctx context.Context, routingKey string, msg Outbound) error {
	return b.send(ctx, routingKey, msg, 0)
}

// PublishDelayed sends msg with DelaySeconds. Delays are rounded up to whole
// seconds and clamped to 900.
func (b *SQSBroker) PublishDelayed(ctx context.Context, routingKey string, msg Outbound, delay time.Duration) error {
	return b.send(ctx, routingKey, msg, delay)
}

func (b *SQSBroker) send(ctx context.Context, routingKey string, msg Outbound, delay time.Duration) error {
	url, err := b.queueURL(routingKey)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(msg.Body)),
		DelaySeconds:      delaySeconds(delay),
		MessageAttributes: toAttributes(msg),
	}

	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send message to %s: %w", url, err)
	}
	return nil
}

func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}
	return int32(math.Ceil(delay.Seconds()))
}

func toAttributes(msg Outbound) map[string]sqsTypes.MessageAttributeValue {
	attrs := make(map[string]sqsTypes.MessageAttributeValue, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		attrs[k] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if msg.ID != "" {
		attrs["message_id"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.ID),
		}
	}
	return attrs
}

// Subscribe long-polls the queue bound to routingKey. At most 10 messages
// are requested per poll, the SQS limit.
func (b *SQSBroker) Subscribe(ctx context.Context, routingKey string, prefetch int) (<-chan *Message, error) {
	url, err := b.queueURL(routingKey)
	if err != nil {
		return nil, err
	}

	batch := int32(prefetch)
	if batch > 10 {
		batch = 10
	}
	if batch < 1 {
		batch = 1
	}

	out := make(chan *Message)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(url),
				MaxNumberOfMessages:   batch,
				WaitTimeSeconds:       int32(b.waitTime.Seconds()),
				MessageAttributeNames: []string{"All"},
				MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
					sqsTypes.MessageSystemAttributeNameSentTimestamp,
					sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
				},
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("sqs receive failed", "queue_url", url, "error", err.Error())
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			for _, raw := range resp.Messages {
				m := b.toMessage(routingKey, raw)
				select {
				case out <- m:
				case <-ctx.Done():
					// Unsettled messages reappear after the visibility timeout.
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *SQSBroker) toMessage(routingKey string, raw sqsTypes.Message) *Message {
	m := NewMessage(aws.ToString(raw.MessageId), routingKey, []byte(aws.ToString(raw.Body)), b)
	m.Tag = aws.ToString(raw.ReceiptHandle)
	m.Headers = make(map[string]string, len(raw.MessageAttributes))
	for k, v := range raw.MessageAttributes {
		m.Headers[k] = aws.ToString(v.StringValue)
	}
	if sent, ok := raw.Attributes[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		if t, err := ParseMillisTimestamp(sent); err == nil {
			m.EnqueuedAt = t
		}
	}
	if n, err := strconv.Atoi(raw.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		m.Redelivered = n > 1
	}
	return m
}

// Ack deletes the message.
func (b *SQSBroker) Ack(ctx context.Context, m *Message) error {
	url, err := b.queueURL(m.RoutingKey)
	if err != nil {
		return err
	}
	receipt, _ := m.Tag.(string)
	if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		return fmt.Errorf("queue: failed to delete message %s: %w", m.ID, err)
	}
	return nil
}

// Reject makes the message visible again (requeue) or moves it to the
// failed queue.
func (b *SQSBroker) Reject(ctx context.Context, m *Message, requeue bool) error {
	url, err := b.queueURL(m.RoutingKey)
	if err != nil {
		return err
	}
	receipt, _ := m.Tag.(string)

	if requeue {
		if _, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(url),
			ReceiptHandle:     aws.String(receipt),
			VisibilityTimeout: 0,
		}); err != nil {
			return fmt.Errorf("queue: failed to release message %s: %w", m.ID, err)
		}
		return nil
	}

	if err := b.Publish(ctx, RoutingFailed, Outbound{ID: m.ID, Body: m.Body, Headers: m.Headers}); err != nil {
		return err
	}
	return b.Ack(ctx, m)
}

// Ping checks every configured queue is reachable.
func (b *SQSBroker) Ping(ctx context.Context) error {
	for key, url := range b.queues {
		if _, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(url),
			AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
		}); err != nil {
			return fmt.Errorf("queue: %s queue unreachable: %w", key, err)
		}
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection.
func (b *SQSBroker) Close() error { return nil }

// ParseMillisTimestamp parses a millisecond-epoch string such as the SQS
// SentTimestamp attribute.
func ParseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

var _ Broker = (*SQSBroker)(nil)
