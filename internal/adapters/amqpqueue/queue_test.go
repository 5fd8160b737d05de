package amqpqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/testutil"
)

type declared struct {
	name string
	args amqp.Table
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []declared
	published  []amqp.Publishing
	keys       []string
	ready      []amqp.Delivery
	nextTag    uint64
	acked      []uint64
	nacked     map[uint64]bool // tag -> requeue
	getErr     error
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{nacked: map[uint64]bool{}}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, declared{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

// PublishWithContext makes every published message ready on the work queue, which
// is where a retry-queue message lands once its TTL expires.
func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.ready = append(f.ready, amqp.Delivery{
		MessageId:   msg.MessageId,
		Headers:     msg.Headers,
		ContentType: msg.ContentType,
		Body:        msg.Body,
	})
	return nil
}

func (f *fakeChannel) Get(string, bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return amqp.Delivery{}, false, f.getErr
	}
	if len(f.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.ready[0]
	f.ready = f.ready[1:]
	f.nextTag++
	d.DeliveryTag = f.nextTag
	return d, true, nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked[tag] = requeue
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestQueue(t *testing.T) (*Queue, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	q, err := New(ch, Config{Queue: "detections", PollInterval: 10 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)
	return q, ch
}

func TestNew_DeclaresRetryAndDeadLetterTopology(t *testing.T) {
	ch := newFakeChannel()
	_, err := New(ch, Config{Queue: "detections", RequeueDelay: 15 * time.Second})
	require.NoError(t, err)

	require.Len(t, ch.declared, 3)
	assert.Equal(t, "detections.dead", ch.declared[0].name)

	retry := ch.declared[1]
	assert.Equal(t, "detections.retry", retry.name)
	assert.Equal(t, int64(15000), retry.args["x-message-ttl"])
	assert.Equal(t, "", retry.args["x-dead-letter-exchange"])
	assert.Equal(t, "detections", retry.args["x-dead-letter-routing-key"])

	assert.Equal(t, "detections", ch.declared[2].name)
	assert.Equal(t, "detections.dead", ch.declared[2].args["x-dead-letter-routing-key"])
	assert.Equal(t, "", ch.declared[2].args["x-dead-letter-exchange"])
}

func TestNew_RequiresQueueName(t *testing.T) {
	_, err := New(newFakeChannel(), Config{Queue: "  "})
	assert.Error(t, err)
}

func TestQueue_EnqueueReceiveAcknowledge(t *testing.T) {
	q, ch := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/a.jpg", ChatID: 9})
	require.NoError(t, err)
	require.Len(t, ch.published, 1)
	assert.Equal(t, id, ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)

	d, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, d.MessageID)
	assert.Equal(t, model.LeaseToken("1.1"), d.Lease)
	assert.Equal(t, 1, d.ReceiveCount)

	require.NoError(t, q.Acknowledge(ctx, d.Lease))
	assert.Equal(t, []uint64{1}, ch.acked)

	err = q.Acknowledge(ctx, d.Lease)
	assert.True(t, apperrors.IsStaleLease(err))
	assert.Equal(t, []uint64{1}, ch.acked, "a stale token never reaches the broker")
}

func TestQueue_EnqueueRejectsInvalid(t *testing.T) {
	q, ch := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), model.JobMessage{ImageKey: "photos/a.jpg"})
	assert.True(t, apperrors.IsMalformedJob(err))
	assert.Empty(t, ch.published)
}

func TestQueue_ReceiveWaitElapses(t *testing.T) {
	q, _ := newTestQueue(t)
	start := time.Now()
	_, err := q.Receive(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueue_ReceiveHonoursCancellation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ReceiveErrorIsTransient(t *testing.T) {
	q, ch := newTestQueue(t)
	ch.getErr = errors.New("channel closed")
	_, err := q.Receive(context.Background(), time.Second)
	assert.True(t, apperrors.IsTransient(err))
}

func TestQueue_AbandonAndDeadLetter(t *testing.T) {
	q, ch := newTestQueue(t)
	ctx := context.Background()

	ch.ready = append(ch.ready,
		amqp.Delivery{MessageId: "m1", Body: []byte(`{"imgName":"a","chat_id":1}`)},
		amqp.Delivery{Body: []byte(`not json`)},
	)

	first, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.Abandon(ctx, first.Lease))
	assert.Equal(t, []uint64{1}, ch.acked)
	assert.Empty(t, ch.nacked, "abandon parks the message instead of requeueing it")
	require.Equal(t, []string{"detections.retry"}, ch.keys)
	assert.Equal(t, "m1", ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, int32(1), ch.published[0].Headers["x-receive-count"])

	second, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, second, "body is not valid JSON"))
	requeue, ok := ch.nacked[2]
	require.True(t, ok)
	assert.False(t, requeue)

	assert.True(t, apperrors.IsStaleLease(q.Abandon(ctx, first.Lease)))
}

func TestQueue_ReceiveCountRisesAcrossRetries(t *testing.T) {
	q, ch := newTestQueue(t)
	ctx := context.Background()
	ch.ready = append(ch.ready, amqp.Delivery{MessageId: "m1", Body: []byte(`{"imgName":"a","chat_id":1}`)})

	var counts []int
	for range 5 {
		d, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "m1", d.MessageID)
		counts = append(counts, d.ReceiveCount)
		require.NoError(t, q.Abandon(ctx, d.Lease))
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, counts)
	assert.Len(t, ch.acked, 5)
}

func TestReceiveCount(t *testing.T) {
	tests := []struct {
		name string
		msg  amqp.Delivery
		want int
	}{
		{name: "first delivery", msg: amqp.Delivery{}, want: 1},
		{name: "broker redelivery", msg: amqp.Delivery{Redelivered: true}, want: 2},
		{name: "from retry queue", msg: amqp.Delivery{Headers: amqp.Table{"x-receive-count": int32(3)}}, want: 4},
		{
			name: "retry then broker redelivery",
			msg:  amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-receive-count": int64(3)}},
			want: 5,
		},
		{name: "quorum delivery count", msg: amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(2)}}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, receiveCount(tt.msg))
		})
	}
}

func TestQueue_AbandonFallsBackToRequeue(t *testing.T) {
	q, ch := newTestQueue(t)
	ctx := context.Background()
	ch.ready = append(ch.ready, amqp.Delivery{MessageId: "m1", Body: []byte(`{}`)})

	d, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	ch.publishErr = errors.New("channel blocked")

	require.NoError(t, q.Abandon(ctx, d.Lease))
	assert.Empty(t, ch.acked)
	assert.True(t, ch.nacked[1])
}

type fakeSession struct {
	ch     *fakeChannel
	closed chan *amqp.Error
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []fakeSession
	dials    int
}

func (d *fakeDialer) dial(context.Context) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.sessions) {
		return nil, errors.New("connection refused")
	}
	s := d.sessions[d.dials]
	d.dials++
	return &session{ch: s.ch, closed: s.closed, close: func() error { return nil }}, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestQueue_ReconnectsAfterChannelClose(t *testing.T) {
	first := fakeSession{ch: newFakeChannel(), closed: make(chan *amqp.Error, 1)}
	second := fakeSession{ch: newFakeChannel(), closed: make(chan *amqp.Error, 1)}
	dialer := &fakeDialer{sessions: []fakeSession{first, second}}
	ctx := context.Background()

	q, err := dialQueue(ctx, Config{Queue: "detections", RetryDelay: 10 * time.Millisecond, Logger: testLogger()}, dialer.dial)
	require.NoError(t, err)
	defer q.Close()

	first.ch.ready = append(first.ch.ready, amqp.Delivery{MessageId: "m1", Body: []byte(`{}`)})
	held, err := q.Receive(ctx, 0)
	require.NoError(t, err)

	second.ch.mu.Lock()
	second.ch.ready = append(second.ch.ready, amqp.Delivery{MessageId: "m1", Redelivered: true, Body: []byte(`{}`)})
	second.ch.mu.Unlock()
	first.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	var got *model.Delivery
	require.Eventually(t, func() bool {
		d, recvErr := q.Receive(ctx, 0)
		if recvErr != nil {
			return false
		}
		got = d
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, 2, got.ReceiveCount)
	assert.Equal(t, model.LeaseToken("2.1"), got.Lease)
	second.ch.mu.Lock()
	assert.Len(t, second.ch.declared, 3, "topology is redeclared on the new channel")
	second.ch.mu.Unlock()

	assert.True(t, apperrors.IsStaleLease(q.Acknowledge(ctx, held.Lease)))
	assert.Empty(t, first.ch.acked)
	require.NoError(t, q.Acknowledge(ctx, got.Lease))
}

func TestQueue_ReceiveWhileReconnectingIsTransient(t *testing.T) {
	first := fakeSession{ch: newFakeChannel(), closed: make(chan *amqp.Error, 1)}
	dialer := &fakeDialer{sessions: []fakeSession{first}}
	ctx := context.Background()

	q, err := dialQueue(ctx, Config{Queue: "detections", RetryDelay: 10 * time.Millisecond, Logger: testLogger()}, dialer.dial)
	require.NoError(t, err)
	defer q.Close()

	first.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	require.Eventually(t, func() bool {
		_, recvErr := q.Receive(ctx, 0)
		return apperrors.IsTransient(recvErr)
	}, 2*time.Second, 10*time.Millisecond)
	_, err = q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/a.jpg", ChatID: 9})
	assert.True(t, apperrors.IsTransient(err))
}

func TestDialQueue_GivesUpAfterConnectRetries(t *testing.T) {
	dialer := &fakeDialer{}
	_, err := dialQueue(context.Background(), Config{
		Queue:          "detections",
		ConnectRetries: 2,
		RetryDelay:     time.Millisecond,
		Logger:         testLogger(),
	}, dialer.dial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, dialer.count())
}

func TestMessageID_FallsBackToBodyHash(t *testing.T) {
	a := messageID(amqp.Delivery{Body: []byte("x")})
	b := messageID(amqp.Delivery{Body: []byte("x")})
	c := messageID(amqp.Delivery{Body: []byte("y")})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "given", messageID(amqp.Delivery{MessageId: "given"}))
}

func TestQueue_Integration_RoundTrip(t *testing.T) {
	url := testutil.RequireEnv(t, "TEST_AMQP_URL")
	ctx := context.Background()

	q, err := Dial(ctx, Config{URL: url, Queue: "polybot-test", ConnectRetries: 1})
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/it.jpg", ChatID: 5})
	require.NoError(t, err)

	d, err := q.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, d.MessageID)
	require.NoError(t, q.Acknowledge(ctx, d.Lease))
}
