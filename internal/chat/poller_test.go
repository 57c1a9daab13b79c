package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
)

type fakeLister struct {
	mu          sync.Mutex
	msgs        []*models.ChatMessage
	calls       int
	block       chan struct{} // when set, ListMessages waits on it
	blockFrom   int           // first call (1-based) that blocks; 0 blocks all
	ignoreSince bool          // re-deliver everything on every poll
}

func (f *fakeLister) ListMessages(ctx context.Context, _ uuid.UUID, since uuid.UUID) ([]*models.ChatMessage, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	if f.blockFrom > 0 && f.calls < f.blockFrom {
		block = nil
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ignoreSince || since == uuid.Nil {
		return append([]*models.ChatMessage(nil), f.msgs...), nil
	}
	for i, m := range f.msgs {
		if m.ID == since {
			return append([]*models.ChatMessage(nil), f.msgs[i+1:]...), nil
		}
	}
	return append([]*models.ChatMessage(nil), f.msgs...), nil
}

func (f *fakeLister) add(text string) *models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &models.ChatMessage{
		ID: uuid.New(), SenderName: "viewer", Text: text, SentAt: time.Now(),
	}
	f.msgs = append(f.msgs, m)
	return m
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPollerCollectsInSendOrder(t *testing.T) {
	lister := &fakeLister{}
	lister.add("first")
	lister.add("second")

	p := NewPoller(lister, uuid.New(), 10*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return len(p.Messages()) == 2 },
		2*time.Second, 5*time.Millisecond)

	lister.add("third")
	require.Eventually(t, func() bool { return len(p.Messages()) == 3 },
		2*time.Second, 5*time.Millisecond)

	msgs := p.Messages()
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.Equal(t, "third", msgs[2].Text)
}

func TestMessagesNeverBlocksOnInFlightPoll(t *testing.T) {
	lister := &fakeLister{block: make(chan struct{})}
	p := NewPoller(lister, uuid.New(), 10*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	// The first poll is stuck on the blocked lister. Reads must still
	// return immediately.
	done := make(chan struct{})
	go func() {
		_ = p.Messages()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Messages blocked on an in-flight poll")
	}
	close(lister.block)
}

func TestTicksDuringPollAreSkipped(t *testing.T) {
	lister := &fakeLister{block: make(chan struct{})}
	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, lister.callCount(), "only one poll may be in flight")
	close(lister.block)
}

func TestSlowPollDoesNotStallTicks(t *testing.T) {
	lister := &fakeLister{block: make(chan struct{}), blockFrom: 2}
	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	// The immediate poll returns; the first tick's poll hangs on the
	// boundary. Ticks keep firing and are skipped while it hangs.
	require.Eventually(t, func() bool { return lister.callCount() == 2 },
		2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, lister.callCount(), "ticks mid-poll are skipped, not queued")

	// Once the slow poll returns, the next tick polls again.
	close(lister.block)
	require.Eventually(t, func() bool { return lister.callCount() >= 3 },
		2*time.Second, time.Millisecond)
}

// keysetLister pages by the (sent_at, id) pair the way the message
// boundary does, so a row sharing its timestamp with the pagination
// pivot is still returned.
type keysetLister struct {
	mu   sync.Mutex
	msgs []*models.ChatMessage
}

func (f *keysetLister) add(m *models.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *keysetLister) ListMessages(_ context.Context, _ uuid.UUID, since uuid.UUID) ([]*models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pivot *models.ChatMessage
	for _, m := range f.msgs {
		if m.ID == since {
			pivot = m
			break
		}
	}
	if pivot == nil {
		return append([]*models.ChatMessage(nil), f.msgs...), nil
	}
	var out []*models.ChatMessage
	for _, m := range f.msgs {
		if m.SentAt.After(pivot.SentAt) ||
			(m.SentAt.Equal(pivot.SentAt) && m.ID.String() > pivot.ID.String()) {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestMessagesSharingTimestampAllDelivered(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Millisecond)
	first := &models.ChatMessage{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		SenderName: "a", Text: "first", SentAt: ts,
	}
	second := &models.ChatMessage{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		SenderName: "b", Text: "second", SentAt: ts,
	}

	lister := &keysetLister{}
	lister.add(first)

	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return len(p.Messages()) == 1 },
		2*time.Second, time.Millisecond)

	// The second message lands with the exact timestamp the poller has
	// already paged past. It must still be delivered.
	lister.add(second)
	require.Eventually(t, func() bool { return len(p.Messages()) == 2 },
		2*time.Second, time.Millisecond)

	msgs := p.Messages()
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
}

func TestDuplicatesFromOverlappingPollsIgnored(t *testing.T) {
	lister := &fakeLister{ignoreSince: true}
	m := lister.add("only")

	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return lister.callCount() >= 3 },
		2*time.Second, 5*time.Millisecond)
	msgs := p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

func TestOnNewReceivesOnlyFreshMessages(t *testing.T) {
	lister := &fakeLister{}
	lister.add("first")

	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	var mu sync.Mutex
	var got []string
	p.OnNew(func(msgs []*models.ChatMessage) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			got = append(got, m.Text)
		}
	})
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return len(p.Messages()) == 1 },
		2*time.Second, 5*time.Millisecond)
	lister.add("second")
	require.Eventually(t, func() bool { return len(p.Messages()) == 2 },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestStopJoinsLoop(t *testing.T) {
	lister := &fakeLister{}
	p := NewPoller(lister, uuid.New(), 5*time.Millisecond, zap.NewNop())
	p.Start(context.Background())

	require.Eventually(t, func() bool { return lister.callCount() >= 2 },
		2*time.Second, time.Millisecond)
	p.Stop()
	n := lister.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, lister.callCount(), "no poll after Stop returns")
	p.Stop()
}
