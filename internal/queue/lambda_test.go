package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesFromSQSEvent(t *testing.T) {
	trace := "t-1"
	ev := events.SQSEvent{Records: []events.SQSMessage{
		{
			MessageId:     "r1",
			ReceiptHandle: "rh1",
			Body:          `{"n":1}`,
			Attributes:    map[string]string{"SentTimestamp": "1700000000000", "ApproximateReceiveCount": "1"},
			MessageAttributes: map[string]events.SQSMessageAttribute{
				"trace_id": {StringValue: &trace, DataType: "String"},
			},
		},
		{MessageId: "r2", Body: `{"n":2}`, Attributes: map[string]string{"ApproximateReceiveCount": "3"}},
	}}

	msgs := MessagesFromSQSEvent(ev, "push", NewBatchAcker(nil))
	require.Len(t, msgs, 2)
	assert.Equal(t, "r1", msgs[0].ID)
	assert.Equal(t, "push", msgs[0].RoutingKey)
	assert.Equal(t, "t-1", msgs[0].Headers["trace_id"])
	assert.Equal(t, int64(1700000000000), msgs[0].EnqueuedAt.UnixMilli())
	assert.False(t, msgs[0].Redelivered)
	assert.True(t, msgs[1].Redelivered)
}

func TestBatchAcker(t *testing.T) {
	ctx := context.Background()

	t.Run("ack and dead-letter leave no failures", func(t *testing.T) {
		pub := NewMemoryBroker()
		acker := NewBatchAcker(pub)
		msgs := MessagesFromSQSEvent(events.SQSEvent{Records: []events.SQSMessage{
			{MessageId: "r1", Body: "a"}, {MessageId: "r2", Body: "b"},
		}}, "email", acker)

		require.NoError(t, msgs[0].Ack(ctx))
		require.NoError(t, msgs[1].Reject(ctx, false))

		assert.Empty(t, acker.Response().BatchItemFailures)
		dead := pub.Published(RoutingFailed)
		require.Len(t, dead, 1)
		assert.Equal(t, "r2", dead[0].Msg.ID)
	})

	t.Run("requeue reports item failure", func(t *testing.T) {
		acker := NewBatchAcker(NewMemoryBroker())
		m := NewMessage("r1", "email", nil, acker)
		require.NoError(t, m.Reject(ctx, true))

		assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "r1"}}, acker.Response().BatchItemFailures)
	})

	t.Run("dead-letter publish failure falls back to item failure", func(t *testing.T) {
		pub := NewMemoryBroker()
		pub.FailPublishes(errors.New("down"))
		acker := NewBatchAcker(pub)
		m := NewMessage("r1", "email", nil, acker)
		require.NoError(t, m.Reject(ctx, false))

		assert.Len(t, acker.Response().BatchItemFailures, 1)
	})
}
