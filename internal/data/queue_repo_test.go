package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/testutil"
)

func newTestQueue(t *testing.T, db *sql.DB, tp TimeProvider) *QueueRepo {
	t.Helper()
	q, err := NewQueueRepo(db, QueueRepoConfig{
		Queue:             "detections",
		VisibilityTimeout: 30 * time.Second,
		TimeProvider:      tp,
	})
	require.NoError(t, err)
	return q
}

func TestNewQueueRepo_RequiresName(t *testing.T) {
	_, err := NewQueueRepo(nil, QueueRepoConfig{Queue: "  "})
	assert.ErrorIs(t, err, ErrQueueNameRequired)
}

func TestParseLease(t *testing.T) {
	_, ok := parseLease("not-a-uuid")
	assert.False(t, ok)

	id, ok := parseLease("6F9619FF-8B86-D011-B42D-00C04FC964FF")
	assert.True(t, ok)
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", id)
}

func TestQueueRepo_Integration_EnqueueReceiveAcknowledge(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		q := newTestQueue(t, db, nil)

		id, err := q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/a.jpg", ChatID: 42})
		require.NoError(t, err)

		d, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, id, d.MessageID)
		assert.Equal(t, 1, d.ReceiveCount)
		assert.NotEmpty(t, d.Lease)

		job, err := d.Job()
		require.NoError(t, err)
		assert.Equal(t, model.Job{ID: id, ImageKey: "photos/a.jpg", ChatID: 42}, job)

		_, err = q.Receive(ctx, 0)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		require.NoError(t, q.Acknowledge(ctx, d.Lease))
		err = q.Acknowledge(ctx, d.Lease)
		assert.True(t, apperrors.IsStaleLease(err))
	})
}

func TestQueueRepo_Integration_EnqueueRejectsInvalid(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		q := newTestQueue(t, db, nil)
		_, err := q.Enqueue(context.Background(), model.JobMessage{ChatID: 1})
		assert.True(t, apperrors.IsMalformedJob(err))
	})
}

func TestQueueRepo_Integration_LeaseExpiryRedelivers(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewFixedTimeProvider(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
		q := newTestQueue(t, db, clock)

		_, err := q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/b.jpg", ChatID: 7})
		require.NoError(t, err)

		first, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, q.Abandon(ctx, first.Lease))

		_, err = q.Receive(ctx, 0)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable, "message stays hidden until the lease expires")

		clock.AddTime(31 * time.Second)
		second, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, first.MessageID, second.MessageID)
		assert.Equal(t, 2, second.ReceiveCount)
		assert.NotEqual(t, first.Lease, second.Lease)

		assert.True(t, apperrors.IsStaleLease(q.Acknowledge(ctx, first.Lease)), "superseded token cannot delete")
		require.NoError(t, q.Acknowledge(ctx, second.Lease))
	})
}

func TestQueueRepo_Integration_DeadLetter(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		q := newTestQueue(t, db, nil)

		_, err := q.EnqueueRaw(ctx, []byte(`{"imgName":`))
		require.NoError(t, err)

		d, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		_, decodeErr := d.Job()
		require.True(t, apperrors.IsMalformedJob(decodeErr))

		require.NoError(t, q.DeadLetter(ctx, d, decodeErr.Error()))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, QueueStats{DeadLetters: 1}, *stats)

		var body []byte
		var reason string
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT body, reason FROM dead_letters WHERE id = $1`, d.MessageID).Scan(&body, &reason))
		assert.Equal(t, `{"imgName":`, string(body))
		assert.NotEmpty(t, reason)

		assert.True(t, apperrors.IsStaleLease(q.DeadLetter(ctx, d, "again")))
	})
}

func TestQueueRepo_Integration_ReceiveWakesOnNotify(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		q := newTestQueue(t, db, nil)

		go func() {
			time.Sleep(200 * time.Millisecond)
			_, _ = q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/c.jpg", ChatID: 3})
		}()

		start := time.Now()
		d, err := q.Receive(ctx, 5*time.Second)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
		require.NoError(t, q.Acknowledge(ctx, d.Lease))
	})
}

func TestQueueRepo_Integration_ReceiveWaitElapses(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		q := newTestQueue(t, db, nil)
		_, err := q.Receive(context.Background(), 100*time.Millisecond)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestQueueRepo_Integration_ConcurrentReceiversNeverShareALease(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		q := newTestQueue(t, db, nil)

		const total = 20
		for i := range total {
			_, err := q.Enqueue(ctx, model.JobMessage{ImageKey: "photos/x.jpg", ChatID: int64(i + 1)})
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					d, err := q.Receive(ctx, 0)
					if err != nil {
						return
					}
					mu.Lock()
					seen[d.MessageID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s leased more than once", id)
		}
	})
}
