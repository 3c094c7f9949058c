package message_broaker

import (
	"context"
	"github.com/RezaEskandarii/fibfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// chanBroker is an in-memory MessageBroker backed by one channel per queue.
type chanBroker struct {
	queues     map[string]chan []byte
	publishErr error
}

func newChanBroker() *chanBroker {
	return &chanBroker{queues: make(map[string]chan []byte)}
}

func (b *chanBroker) queue(name string) chan []byte {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, 16)
		b.queues[name] = q
	}
	return q
}

func (b *chanBroker) Publish(ctx context.Context, queue string, message []byte) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.queue(queue) <- message
	return nil
}

func (b *chanBroker) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	return b.queue(queue), nil
}

func (b *chanBroker) Close() error { return nil }

func TestOutcomeRoundTripThroughBroker(t *testing.T) {
	ctx := context.Background()
	broker := newChanBroker()
	createdAt := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	data, err := EncodeOutcome(types.JobOutcome{SettingID: 12, Success: false, Error: "timeout", CreatedAt: createdAt})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "job_outcomes", data))

	ch, err := broker.Consume(ctx, "job_outcomes")
	require.NoError(t, err)

	outcome, err := DecodeOutcome(<-ch)
	require.NoError(t, err)
	assert.Equal(t, int64(12), outcome.SettingID)
	assert.False(t, outcome.Success)
	assert.Equal(t, "timeout", outcome.Error)
	assert.True(t, createdAt.Equal(outcome.CreatedAt))
}

func TestEncodeOutcome_OmitsEmptyError(t *testing.T) {
	data, err := EncodeOutcome(types.JobOutcome{SettingID: 1, Success: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
}

func TestDecodeOutcome_Invalid(t *testing.T) {
	_, err := DecodeOutcome([]byte("not json"))
	assert.ErrorContains(t, err, "decode job outcome")

	_, err = DecodeOutcome([]byte(`{"success":true}`))
	assert.ErrorContains(t, err, "missing setting_id")
}

func TestChanBroker_PublishError(t *testing.T) {
	broker := newChanBroker()
	broker.publishErr = assert.AnError

	err := broker.Publish(context.Background(), "queue", []byte("msg"))
	assert.ErrorIs(t, err, assert.AnError)
}

var (
	_ MessageBroker = (*chanBroker)(nil)
	_ MessageBroker = (*RabbitMQ)(nil)
)
