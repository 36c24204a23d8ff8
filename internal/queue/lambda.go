package queue

import (
	"context"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// BatchAcker settles the records of one Lambda SQS invocation. Lambda
// deletes every record not reported in BatchItemFailures, so Ack is a no-op
// and a requeue marks the record failed. Dead-lettering publishes to the
// failed queue; if that publish fails the record is marked failed instead.
type BatchAcker struct {
	deadLetter Publisher

	mu     sync.Mutex
	failed []events.SQSBatchItemFailure
}

// NewBatchAcker creates a BatchAcker that dead-letters through pub.
func NewBatchAcker(pub Publisher) *BatchAcker {
	return &BatchAcker{deadLetter: pub}
}

// Ack implements Acker.
func (a *BatchAcker) Ack(context.Context, *Message) error { return nil }

// Reject implements Acker.
func (a *BatchAcker) Reject(ctx context.Context, m *Message, requeue bool) error {
	if !requeue && a.deadLetter != nil {
		err := a.deadLetter.Publish(ctx, RoutingFailed, Outbound{ID: m.ID, Body: m.Body, Headers: m.Headers})
		if err == nil {
			return nil
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, events.SQSBatchItemFailure{ItemIdentifier: m.ID})
	return nil
}

// Response returns the partial batch response for the invocation.
func (a *BatchAcker) Response() events.SQSEventResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return events.SQSEventResponse{BatchItemFailures: append([]events.SQSBatchItemFailure(nil), a.failed...)}
}

// MessagesFromSQSEvent converts the records of a Lambda SQS event into
// Messages settled by acker.
func MessagesFromSQSEvent(ev events.SQSEvent, routingKey string, acker *BatchAcker) []*Message {
	msgs := make([]*Message, 0, len(ev.Records))
	for _, rec := range ev.Records {
		m := NewMessage(rec.MessageId, routingKey, []byte(rec.Body), acker)
		m.Tag = rec.ReceiptHandle
		m.Headers = make(map[string]string, len(rec.MessageAttributes))
		for k, v := range rec.MessageAttributes {
			if v.StringValue != nil {
				m.Headers[k] = *v.StringValue
			}
		}
		if sent, ok := rec.Attributes["SentTimestamp"]; ok {
			if t, err := ParseMillisTimestamp(sent); err == nil {
				m.EnqueuedAt = t
			}
		}
		m.Redelivered = rec.Attributes["ApproximateReceiveCount"] != "" && rec.Attributes["ApproximateReceiveCount"] != "1"
		msgs = append(msgs, m)
	}
	return msgs
}
