package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, zap.NewNop()), mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := SessionArchivePayload{
		SessionID: uuid.New(),
		HostID:    uuid.New(),
		EndedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, q.EnqueueSessionArchive(ctx, payload))

	job, key, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, QueueArchives, key)
	assert.Equal(t, JobTypeSessionArchive, job.Type)
	assert.Equal(t, 0, job.Attempt)

	var got SessionArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload.SessionID, got.SessionID)
	assert.Equal(t, payload.HostID, got.HostID)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, q.EnqueueSessionArchive(ctx, SessionArchivePayload{SessionID: first}))
	require.NoError(t, q.EnqueueSessionArchive(ctx, SessionArchivePayload{SessionID: second}))

	job, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	var p SessionArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, first, p.SessionID)

	job, _, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, second, p.SessionID)
}

func TestRetryIncrementsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueSessionArchive(ctx, SessionArchivePayload{SessionID: uuid.New()}))
	job, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, job))
	retried, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempt)
}

func TestExhaustedRetriesGoToDLQ(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueSessionArchive(ctx, SessionArchivePayload{SessionID: uuid.New()}))
	job, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	for i := 0; i < MaxRetries-1; i++ {
		require.NoError(t, q.Retry(ctx, job))
		job, _, err = q.Dequeue(ctx)
		require.NoError(t, err)
	}

	// Final failure crosses MaxRetries and lands in the DLQ.
	require.NoError(t, q.Retry(ctx, job))
	assert.False(t, mr.Exists(QueueArchives), "archive queue drained")

	dlq, err := mr.List(QueueDLQ)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	var dead Job
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &dead))
	assert.Equal(t, job.ID, dead.ID)
	assert.Equal(t, MaxRetries, dead.Attempt)
}

func TestDequeueRespectsContext(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Dequeue(ctx)
	assert.Error(t, err)
}
