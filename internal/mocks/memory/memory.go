// Package memory contains hand-written in-memory test doubles for the pipeline ports.
// They keep enough state to exercise lease expiry and redelivery without infrastructure.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// Ensure compile-time conformance to ports.
var (
	_ core.WorkQueue        = (*Queue)(nil)
	_ core.BlobStore        = (*BlobStore)(nil)
	_ core.ResultStore      = (*ResultStore)(nil)
	_ core.MessagingGateway = (*Gateway)(nil)
)

type queueEntry struct {
	id           string
	body         []byte
	lease        model.LeaseToken
	leaseExpires time.Time
	receiveCount int
}

// DeadLetter is a message removed by Queue.DeadLetter.
type DeadLetter struct {
	MessageID string
	Body      []byte
	Reason    string
}

// Queue is an in-memory WorkQueue with visibility-timeout semantics.
type Queue struct {
	mu          sync.Mutex
	entries     []*queueEntry
	acked       map[model.LeaseToken]struct{}
	deadLetters []DeadLetter
	visibility  time.Duration
	now         func() time.Time
}

// NewQueue creates a Queue whose leases last for visibility.
func NewQueue(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &Queue{
		acked:      make(map[model.LeaseToken]struct{}),
		visibility: visibility,
		now:        time.Now,
	}
}

// Enqueue implements core.WorkQueue.
func (q *Queue) Enqueue(_ context.Context, msg model.JobMessage) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	return q.EnqueueRaw(body), nil
}

// EnqueueRaw stores an arbitrary body, bypassing validation.
func (q *Queue) EnqueueRaw(body []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.entries = append(q.entries, &queueEntry{id: id, body: append([]byte(nil), body...)})
	return id
}

// Receive implements core.WorkQueue. It never blocks.
func (q *Queue) Receive(ctx context.Context, _ time.Duration) (*model.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, e := range q.entries {
		if e.lease != "" && now.Before(e.leaseExpires) {
			continue
		}
		e.lease = model.LeaseToken(uuid.NewString())
		e.leaseExpires = now.Add(q.visibility)
		e.receiveCount++
		return &model.Delivery{
			MessageID:    e.id,
			Body:         append([]byte(nil), e.body...),
			Lease:        e.lease,
			ReceiveCount: e.receiveCount,
			ReceivedAt:   now,
		}, nil
	}
	return nil, model.ErrNoJobsAvailable
}

// Acknowledge implements core.WorkQueue.
func (q *Queue) Acknowledge(_ context.Context, lease model.LeaseToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.acked[lease]; done {
		return nil
	}
	i := q.indexByLease(lease)
	if i < 0 {
		return apperrors.StaleLease(fmt.Sprintf("lease %s is not held", lease))
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.acked[lease] = struct{}{}
	return nil
}

// Abandon implements core.WorkQueue by expiring the lease immediately.
func (q *Queue) Abandon(_ context.Context, lease model.LeaseToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexByLease(lease); i >= 0 {
		q.entries[i].leaseExpires = q.now()
	}
	return nil
}

// DeadLetter implements core.WorkQueue.
func (q *Queue) DeadLetter(_ context.Context, d *model.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexByLease(d.Lease)
	if i < 0 {
		return apperrors.StaleLease(fmt.Sprintf("lease %s is not held", d.Lease))
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.deadLetters = append(q.deadLetters, DeadLetter{MessageID: e.id, Body: e.body, Reason: reason})
	return nil
}

// ExpireLeases makes every leased message visible again, as if the visibility timeout elapsed.
func (q *Queue) ExpireLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.leaseExpires = time.Time{}
	}
}

// Len returns the number of messages not yet acknowledged or dead-lettered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DeadLetters returns a copy of the dead-lettered messages.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

func (q *Queue) indexByLease(lease model.LeaseToken) int {
	if lease == "" {
		return -1
	}
	for i, e := range q.entries {
		if e.lease == lease {
			return i
		}
	}
	return -1
}

// BlobStore is an in-memory BlobStore. GetErr and PutErr, when set, are returned
// by every call until cleared.
type BlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	GetErr  error
	PutErr  error
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// Put implements core.BlobStore.
func (s *BlobStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.objects[key] = data
	return nil
}

// Get implements core.BlobStore.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, apperrors.NotFoundf("object %s not found", key)
	}
	return bytes.Clone(data), nil
}

// SetGetErr sets or clears the error returned by Get.
func (s *BlobStore) SetGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetErr = err
}

// Keys returns the stored keys.
func (s *BlobStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// ResultStore is an in-memory ResultStore.
type ResultStore struct {
	mu      sync.Mutex
	results map[string]model.JobResult
	puts    int
}

// NewResultStore creates an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]model.JobResult)}
}

// Put implements core.ResultStore.
func (s *ResultStore) Put(_ context.Context, result *model.JobResult) error {
	if result == nil || result.JobID == "" {
		return apperrors.Validation("result with job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	cp.Detections = append([]model.Detection(nil), result.Detections...)
	s.results[result.JobID] = cp
	s.puts++
	return nil
}

// Get implements core.ResultStore.
func (s *ResultStore) Get(_ context.Context, jobID string) (*model.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[jobID]
	if !ok {
		return nil, apperrors.NotFoundf("prediction %s not found", jobID)
	}
	res.Detections = append([]model.Detection(nil), res.Detections...)
	return &res, nil
}

// Puts returns how many writes were made, including overwrites.
func (s *ResultStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// SentMessage is one message recorded by Gateway.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Gateway records outgoing chat messages.
type Gateway struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// SendText implements core.MessagingGateway.
func (g *Gateway) SendText(_ context.Context, chatID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	g.sent = append(g.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// Sent returns a copy of the recorded messages.
func (g *Gateway) Sent() []SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SentMessage(nil), g.sent...)
}
