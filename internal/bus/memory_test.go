package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/common/logger"
)

func setupTestBus(t *testing.T) *MemoryBus {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewMemoryBus(8, DropNewest, log)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := setupTestBus(t)
	defer b.Close()

	received := make(chan *Message, 1)
	sub, err := b.Subscribe("supervisor-a", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg := NewMessage(KindTaskRequest, "orchestrator", "supervisor-a", "corr-1", map[string]any{"k": "v"})
	require.NoError(t, b.Publish(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, KindTaskRequest, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBus_OrderingPerRecipient(t *testing.T) {
	b := setupTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var seen []int

	sub, err := b.Subscribe("supervisor-a", func(ctx context.Context, msg *Message) error {
		n := msg.Payload["n"].(int)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		msg := NewMessage(KindTaskRequest, "orchestrator", "supervisor-a", "corr-1", map[string]any{"n": i})
		require.NoError(t, b.Publish(context.Background(), msg))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n, "messages to the same recipient must be delivered in publish order")
	}
}

func TestMemoryBus_QueueSubscribeLoadBalances(t *testing.T) {
	b := setupTestBus(t)
	defer b.Close()

	var count1, count2 atomic.Int32

	sub1, err := b.QueueSubscribe("capability-x", "workers", func(ctx context.Context, msg *Message) error {
		count1.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer sub1.Unsubscribe()

	sub2, err := b.QueueSubscribe("capability-x", "workers", func(ctx context.Context, msg *Message) error {
		count2.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	for i := 0; i < 10; i++ {
		msg := NewMessage(KindTaskRequest, "orchestrator", "capability-x", "corr-1", nil)
		require.NoError(t, b.Publish(context.Background(), msg))
	}

	require.Eventually(t, func() bool {
		return count1.Load()+count2.Load() == 10
	}, time.Second, 10*time.Millisecond)

	assert.Positive(t, count1.Load(), "both queue group members should receive some messages")
	assert.Positive(t, count2.Load(), "both queue group members should receive some messages")
}

func TestMemoryBus_DropsOnFullMailboxWithSlowSubscriber(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	b := NewMemoryBus(2, DropNewest, log)
	defer b.Close()

	blocked := make(chan struct{})
	sub, err := b.Subscribe("slow-recipient", func(ctx context.Context, msg *Message) error {
		<-blocked // never returns during the test, so the drain loop stalls
		return nil
	})
	require.NoError(t, err)
	defer func() {
		close(blocked)
		sub.Unsubscribe()
	}()

	// The first publish is picked up immediately by the drain goroutine and
	// blocks it on the handler; the mailbox buffer (capacity 2) then fills
	// behind it, and the next publish past that must be dropped.
	for i := 0; i < 4; i++ {
		_ = b.Publish(context.Background(), NewMessage(KindHeartbeat, "agent-1", "slow-recipient", "", nil))
	}
	require.Eventually(t, func() bool {
		err := b.Publish(context.Background(), NewMessage(KindHeartbeat, "agent-1", "slow-recipient", "", nil))
		return err != nil
	}, time.Second, 10*time.Millisecond, "publishing past mailbox capacity with a stalled handler must report the drop")
}

func TestMemoryBus_CloseDeactivatesSubscriptions(t *testing.T) {
	b := setupTestBus(t)

	sub, err := b.Subscribe("supervisor-a", func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	b.Close()
	assert.False(t, b.IsConnected())
}
