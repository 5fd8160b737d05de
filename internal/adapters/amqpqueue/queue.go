// Package amqpqueue implements the work queue on RabbitMQ.
//
// Messages are pulled with basic.get so a receive can be bounded by a wait budget
// the same way the Postgres queue is. Topology per queue name Q:
//
//	Q        work queue; rejected messages dead-letter to Q.dead
//	Q.retry  holding queue with a per-queue TTL; expired messages dead-letter back to Q
//	Q.dead   terminal dead-letter queue
//
// An abandoned delivery is republished to Q.retry with its receive count in the
// x-receive-count header and the original is acked, so retries are delayed and
// counted across redeliveries.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

const (
	defaultConnectRetries = 10
	defaultRetryDelay     = 5 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
	defaultRequeueDelay   = 30 * time.Second
	maxRedialInterval     = time.Minute
	deadSuffix            = ".dead"
	retrySuffix           = ".retry"

	// receiveCountHeader carries how many times a message has been received before.
	receiveCountHeader = "x-receive-count"
	// deliveryCountHeader is set by quorum queues on redelivery.
	deliveryCountHeader = "x-delivery-count"
)

// bodyNamespace derives stable job ids for messages published without a MessageId.
var bodyNamespace = uuid.MustParse("9b0c4a37-6a55-4d0c-9f64-2f3c1c0e7a10")

var errChannelUnavailable = errors.New("amqp channel unavailable")

// Config describes the broker connection and queue topology.
type Config struct {
	URL            string
	Queue          string
	ConnectRetries int
	// RetryDelay is the pause between connect attempts and the first reconnect interval.
	RetryDelay time.Duration
	// PollInterval is the pause between empty basic.get calls while waiting.
	PollInterval time.Duration
	// RequeueDelay is how long an abandoned message waits in the retry queue.
	RequeueDelay time.Duration
	Logger       *slog.Logger
}

// Channel is the subset of *amqp.Channel used by Queue.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// session is one broker connection with its channel.
type session struct {
	ch Channel
	// closed yields an error when the broker closes the channel unexpectedly.
	closed <-chan *amqp.Error
	close  func() error
}

type dialFunc func(ctx context.Context) (*session, error)

// Queue is a core.WorkQueue backed by a durable RabbitMQ queue.
type Queue struct {
	queue        string
	poll         time.Duration
	requeueDelay time.Duration
	redialDelay  time.Duration
	logger       *slog.Logger

	dial dialFunc
	stop context.CancelFunc
	done chan struct{}

	mu        sync.Mutex
	ch        Channel
	closeConn func() error
	// gen increments on every reconnect; lease tokens carry it because delivery
	// tags restart at 1 on a new channel.
	gen uint64
	// outstanding holds unsettled deliveries by tag; settling an unknown tag is a
	// channel-level error on the broker, so stale tokens are rejected locally.
	outstanding map[uint64]amqp.Delivery
}

var _ core.WorkQueue = (*Queue)(nil)

// Dial connects to the broker with retries, declares the topology and returns a
// Queue that reconnects on its own when the broker closes the channel.
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	return dialQueue(ctx, cfg, amqpDialer(cfg.URL))
}

func amqpDialer(url string) dialFunc {
	return func(context.Context) (*session, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open amqp channel: %w", err)
		}
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))
		return &session{ch: ch, closed: closed, close: conn.Close}, nil
	}
}

func dialQueue(ctx context.Context, cfg Config, dial dialFunc) (*Queue, error) {
	q, err := newQueue(cfg)
	if err != nil {
		return nil, err
	}
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}

	sess, err := connectWithRetry(ctx, connectParams{dial: dial, attempts: retries, delay: q.redialDelay, logger: q.logger})
	if err != nil {
		return nil, err
	}
	if err := q.declare(sess.ch); err != nil {
		q.closeSession(sess)
		return nil, err
	}
	q.attach(sess)

	watchCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	q.dial = dial
	q.stop = stop
	q.done = make(chan struct{})
	go q.watch(watchCtx, sess.closed)
	return q, nil
}

// New declares the queue topology on an open channel. The returned Queue does not reconnect.
func New(ch Channel, cfg Config) (*Queue, error) {
	q, err := newQueue(cfg)
	if err != nil {
		return nil, err
	}
	if err := q.declare(ch); err != nil {
		return nil, err
	}
	q.attach(&session{ch: ch})
	return q, nil
}

func newQueue(cfg Config) (*Queue, error) {
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	requeue := cfg.RequeueDelay
	if requeue <= 0 {
		requeue = defaultRequeueDelay
	}
	redial := cfg.RetryDelay
	if redial <= 0 {
		redial = defaultRetryDelay
	}
	return &Queue{
		queue:        name,
		poll:         poll,
		requeueDelay: requeue,
		redialDelay:  redial,
		logger:       logger.With("component", "amqp_queue", "queue", name),
		outstanding:  make(map[uint64]amqp.Delivery),
	}, nil
}

func (q *Queue) declare(ch Channel) error {
	if _, err := ch.QueueDeclare(q.queue+deadSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	// Expired retry messages go back to the work queue through the default exchange.
	retryArgs := amqp.Table{
		"x-message-ttl":             q.requeueDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}
	if _, err := ch.QueueDeclare(q.queue+retrySuffix, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue + deadSuffix,
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.queue, err)
	}
	return nil
}

// attach makes sess the live channel. Deliveries from earlier channels become stale.
func (q *Queue) attach(sess *session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ch = sess.ch
	q.closeConn = sess.close
	q.gen++
	clear(q.outstanding)
}

func (q *Queue) detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ch = nil
	q.closeConn = nil
	clear(q.outstanding)
}

func (q *Queue) closeSession(sess *session) {
	if sess == nil {
		return
	}
	if sess.ch != nil {
		_ = sess.ch.Close()
	}
	if sess.close != nil {
		_ = sess.close()
	}
}

// watch reconnects whenever the broker closes the current channel.
func (q *Queue) watch(ctx context.Context, closed <-chan *amqp.Error) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return
			}
			q.logger.WarnContext(ctx, "rabbitmq channel closed, reconnecting",
				"code", amqpErr.Code, "reason", amqpErr.Reason)
			q.mu.Lock()
			old := &session{ch: q.ch, close: q.closeConn}
			q.mu.Unlock()
			q.detach()
			q.closeSession(old)

			sess, err := q.redial(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.ErrorContext(ctx, "rabbitmq reconnect abandoned", "error", err)
				}
				return
			}
			q.attach(sess)
			closed = sess.closed
			q.logger.InfoContext(ctx, "rabbitmq reconnected")
		}
	}
}

func (q *Queue) redial(ctx context.Context) (*session, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(q.redialDelay),
		backoff.WithMaxInterval(max(maxRedialInterval, q.redialDelay)),
		backoff.WithMaxElapsedTime(0),
	)

	open := func() (*session, error) {
		sess, err := q.dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := q.declare(sess.ch); err != nil {
			q.closeSession(sess)
			return nil, err
		}
		return sess, nil
	}
	notify := func(err error, next time.Duration) {
		q.logger.WarnContext(ctx, "rabbitmq reconnect failed", "error", err, "retry_in", next)
	}
	return backoff.RetryNotifyWithData[*session](open, backoff.WithContext(policy, ctx), notify)
}

type connectParams struct {
	dial     dialFunc
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func connectWithRetry(ctx context.Context, p connectParams) (*session, error) {
	var lastErr error
	for i := range p.attempts {
		sess, err := p.dial(ctx)
		if err == nil {
			p.logger.InfoContext(ctx, "connected to rabbitmq", "attempt", i+1)
			return sess, nil
		}
		lastErr = err
		p.logger.WarnContext(ctx, "rabbitmq connect failed", "attempt", i+1, "max_attempts", p.attempts, "error", err)
		if i == p.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", p.attempts, lastErr)
}

func (q *Queue) channel() (Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return nil, apperrors.Transient(errChannelUnavailable, "rabbitmq is reconnecting")
	}
	return q.ch, nil
}

// Enqueue publishes a persistent message whose MessageId is the new job id.
func (q *Queue) Enqueue(ctx context.Context, msg model.JobMessage) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	ch, err := q.channel()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if pubErr := ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); pubErr != nil {
		return "", apperrors.Transient(pubErr, "publish job message")
	}
	return id, nil
}

// Receive polls basic.get until a message arrives or maxWait elapses.
func (q *Queue) Receive(ctx context.Context, maxWait time.Duration) (*model.Delivery, error) {
	deadline := time.Now().Add(maxWait)
	for {
		ch, err := q.channel()
		if err != nil {
			return nil, err
		}
		msg, ok, err := ch.Get(q.queue, false)
		if err != nil {
			return nil, apperrors.Transient(err, "basic.get")
		}
		if ok {
			if d := q.track(ch, msg); d != nil {
				return d, nil
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, model.ErrNoJobsAvailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.poll, remaining)):
		}
	}
}

// track records msg as outstanding. It returns nil when the channel was replaced
// while the get was in flight.
func (q *Queue) track(ch Channel, msg amqp.Delivery) *model.Delivery {
	q.mu.Lock()
	if q.ch != ch {
		q.mu.Unlock()
		return nil
	}
	q.outstanding[msg.DeliveryTag] = msg
	gen := q.gen
	q.mu.Unlock()

	return &model.Delivery{
		MessageID:    messageID(msg),
		Body:         msg.Body,
		Lease:        leaseToken(gen, msg.DeliveryTag),
		ReceiveCount: receiveCount(msg),
		ReceivedAt:   time.Now().UTC(),
	}
}

// receiveCount is the number of times msg has now been received, this one included.
func receiveCount(msg amqp.Delivery) int {
	prior := headerInt(msg.Headers, receiveCountHeader)
	if quorum := headerInt(msg.Headers, deliveryCountHeader); quorum > 0 {
		prior += quorum
	} else if msg.Redelivered {
		prior++
	}
	return prior + 1
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func messageID(msg amqp.Delivery) string {
	if id := strings.TrimSpace(msg.MessageId); id != "" {
		return id
	}
	return uuid.NewSHA1(bodyNamespace, msg.Body).String()
}

func leaseToken(gen, tag uint64) model.LeaseToken {
	return model.LeaseToken(strconv.FormatUint(gen, 10) + "." + strconv.FormatUint(tag, 10))
}

// settle removes the delivery from the outstanding set and returns it with the
// channel it must be settled on.
func (q *Queue) settle(lease model.LeaseToken) (Channel, amqp.Delivery, error) {
	genPart, tagPart, ok := strings.Cut(string(lease), ".")
	gen, genErr := strconv.ParseUint(genPart, 10, 64)
	tag, tagErr := strconv.ParseUint(tagPart, 10, 64)
	if !ok || genErr != nil || tagErr != nil {
		return nil, amqp.Delivery{}, apperrors.StaleLease("lease token is not recognised")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen || q.ch == nil {
		return nil, amqp.Delivery{}, apperrors.StaleLease("lease belongs to a closed channel")
	}
	msg, held := q.outstanding[tag]
	if !held {
		return nil, amqp.Delivery{}, apperrors.StaleLease("lease is no longer held")
	}
	delete(q.outstanding, tag)
	return q.ch, msg, nil
}

// Acknowledge acks the delivery.
func (q *Queue) Acknowledge(_ context.Context, lease model.LeaseToken) error {
	ch, msg, err := q.settle(lease)
	if err != nil {
		return err
	}
	if ackErr := ch.Ack(msg.DeliveryTag, false); ackErr != nil {
		return apperrors.Transient(ackErr, "ack delivery")
	}
	return nil
}

// Abandon parks the delivery in the retry queue with its receive count and acks
// the original. If the republish fails the delivery is requeued directly.
func (q *Queue) Abandon(ctx context.Context, lease model.LeaseToken) error {
	ch, msg, err := q.settle(lease)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		if k != deliveryCountHeader {
			headers[k] = v
		}
	}
	headers[receiveCountHeader] = int32(receiveCount(msg))

	pubErr := ch.PublishWithContext(ctx, "", q.queue+retrySuffix, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		MessageId:    messageID(msg),
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	})
	if pubErr != nil {
		q.logger.WarnContext(ctx, "retry publish failed, requeueing", "job_id", messageID(msg), "error", pubErr)
		if nackErr := ch.Nack(msg.DeliveryTag, false, true); nackErr != nil {
			return apperrors.Transient(errors.Join(pubErr, nackErr), "requeue delivery")
		}
		return nil
	}
	if ackErr := ch.Ack(msg.DeliveryTag, false); ackErr != nil {
		return apperrors.Transient(ackErr, "ack abandoned delivery")
	}
	return nil
}

// DeadLetter rejects the delivery without requeue so the broker routes it to the dead queue.
func (q *Queue) DeadLetter(ctx context.Context, delivery *model.Delivery, reason string) error {
	if delivery == nil {
		return apperrors.Validation("delivery is required")
	}
	ch, msg, err := q.settle(delivery.Lease)
	if err != nil {
		return err
	}
	if nackErr := ch.Nack(msg.DeliveryTag, false, false); nackErr != nil {
		return apperrors.Transient(nackErr, "dead-letter delivery")
	}
	q.logger.WarnContext(ctx, "message dead-lettered",
		"job_id", delivery.MessageID,
		"dead_queue", q.queue+deadSuffix,
		"reason", reason,
	)
	return nil
}

// Close stops reconnecting and releases the channel and connection.
func (q *Queue) Close() error {
	if q.stop != nil {
		q.stop()
		<-q.done
	}
	q.mu.Lock()
	ch, closeConn := q.ch, q.closeConn
	q.ch, q.closeConn = nil, nil
	q.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if closeConn != nil {
		if err := closeConn(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
