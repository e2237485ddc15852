package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/V4T54L/leadflow/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcker records acks so Drain can be tested without a broker.
type fakeAcker struct {
	acked, nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeChannel struct {
	acker      *fakeAcker
	queue      [][]byte
	publishErr error
	tag        uint64
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.queue = append(c.queue, msg.Body)
	return nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if len(c.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	body := c.queue[0]
	c.queue = c.queue[1:]
	c.tag++
	return amqp.Delivery{Acknowledger: c.acker, DeliveryTag: c.tag, Body: body}, true, nil
}

func (c *fakeChannel) Close() error { return nil }

func newTestQueue() (*LeftoverQueue, *fakeChannel) {
	ch := &fakeChannel{acker: &fakeAcker{}}
	return newLeftoverQueue(ch, slog.New(slog.NewTextHandler(io.Discard, nil))), ch
}

func TestLeftoverQueue_DeferAndDrain(t *testing.T) {
	ctx := context.Background()
	q, ch := newTestQueue()

	leads := []domain.Lead{
		{ID: "l1", Email: "a@x.com"},
		{ID: "l2", Email: "b@x.com"},
		{ID: "l3", Email: "c@x.com"},
	}
	require.NoError(t, q.Defer(ctx, "b1", leads))
	assert.Len(t, ch.queue, 3)

	got, err := q.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a@x.com", got[0].Email)
	assert.Len(t, ch.queue, 1)

	got, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []uint64{1, 2, 3}, ch.acker.acked)
}

func TestLeftoverQueue_DeadLettersUnreadable(t *testing.T) {
	q, ch := newTestQueue()
	ch.queue = append(ch.queue, []byte("not json"), []byte(`{"lead":{"email":"ok@x.com"}}`))

	got, err := q.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []uint64{1}, ch.acker.nacked)
}

func TestLeftoverQueue_PublishFailure(t *testing.T) {
	q, ch := newTestQueue()
	ch.publishErr = errors.New("channel closed")

	err := q.Defer(context.Background(), "b1", []domain.Lead{{ID: "l1", Email: "a@x.com"}})
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.True(t, domain.IsRetryable(err))
}
