package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/model"
)

type fullBroker interface {
	Broker
	Producer
	Inspector
}

func enqueue(t *testing.T, b Producer, queue, task string, delay time.Duration) *model.TaskEnvelope {
	t.Helper()
	env := model.NewEnvelope(queue, task, []byte(`{"n":1}`))
	require.NoError(t, b.Enqueue(context.Background(), env, delay))
	return env
}

// runContract exercises the behaviour every implementation must share.
func runContract(t *testing.T, newBroker func(t *testing.T, visibility time.Duration) fullBroker) {
	ctx := context.Background()

	t.Run("fifo order and max", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		var ids []string
		for i := 0; i < 3; i++ {
			ids = append(ids, enqueue(t, b, "broadcast", "echo", 0).ID)
			time.Sleep(2 * time.Millisecond)
		}

		got, err := b.Poll(ctx, []string{"broadcast"}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].ID)
		assert.Equal(t, ids[1], got[1].ID)
		assert.False(t, got[0].VisibilityDeadline.IsZero(), "lease deadline is stamped")

		rest, err := b.Poll(ctx, []string{"broadcast"}, 5)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, ids[2], rest[0].ID)
	})

	t.Run("poll spans queues", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		enqueue(t, b, "broadcast", "echo", 0)
		enqueue(t, b, "trainer", "call_train", 0)

		got, err := b.Poll(ctx, []string{"broadcast", "trainer"}, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "broadcast", got[0].Queue)
		assert.Equal(t, "trainer", got[1].Queue)
	})

	t.Run("ack removes and second ack is not found", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		env := enqueue(t, b, "broadcast", "echo", 0)

		got, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.NoError(t, b.Ack(ctx, env.ID))
		err = b.Ack(ctx, env.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		d, err := b.Depth(ctx, "broadcast")
		require.NoError(t, err)
		assert.Equal(t, Depth{}, d)
	})

	t.Run("nack persists retry count and honours delay", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		enqueue(t, b, "broadcast", "echo", 0)

		got, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		env := got[0]
		env.RetryCount++
		env.LastError = "boom"
		require.NoError(t, b.Nack(ctx, env, 80*time.Millisecond))

		none, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		assert.Empty(t, none, "not visible before the delay")

		require.Eventually(t, func() bool {
			again, err := b.Poll(ctx, []string{"broadcast"}, 1)
			if err != nil || len(again) != 1 {
				return false
			}
			return again[0].RetryCount == 1 && again[0].LastError == "boom"
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("expired lease is redelivered", func(t *testing.T) {
		b := newBroker(t, 50*time.Millisecond)
		env := enqueue(t, b, "broadcast", "echo", 0)

		got, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.Eventually(t, func() bool {
			again, err := b.Poll(ctx, []string{"broadcast"}, 1)
			return err == nil && len(again) == 1 && again[0].ID == env.ID
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("dead letter exactly once and absent from active queue", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		enqueue(t, b, "broadcast", "echo", 0)

		got, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		env := got[0]
		env.DeadLetter = &model.DeadLetterMark{At: time.Now().UTC(), Reason: "max retries exceeded"}
		require.NoError(t, b.DeadLetter(ctx, env))
		require.NoError(t, b.DeadLetter(ctx, env))

		dead, err := b.DeadLetters(ctx, "broadcast")
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, env.ID, dead[0].ID)
		assert.True(t, dead[0].IsDeadLettered())

		d, err := b.Depth(ctx, "broadcast")
		require.NoError(t, err)
		assert.Equal(t, Depth{Dead: 1}, d)

		none, err := b.Poll(ctx, []string{"broadcast"}, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("settling a lease that was taken over is not found", func(t *testing.T) {
		b := newBroker(t, 40*time.Millisecond)
		enqueue(t, b, "broadcast", "echo", 0)

		got, err := b.Poll(ctx, []string{"broadcast"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		stale := got[0]

		var current *model.TaskEnvelope
		require.Eventually(t, func() bool {
			again, err := b.Poll(ctx, []string{"broadcast"}, 1)
			if err != nil || len(again) != 1 {
				return false
			}
			current = again[0]
			return true
		}, 2*time.Second, 20*time.Millisecond)
		require.Equal(t, stale.ID, current.ID)

		stale.RetryCount++
		assert.ErrorIs(t, b.Nack(ctx, stale, 0), ErrNotFound)
		stale.DeadLetter = &model.DeadLetterMark{At: time.Now().UTC(), Reason: "max retries exceeded"}
		assert.ErrorIs(t, b.DeadLetter(ctx, stale), ErrNotFound)

		dead, err := b.DeadLetters(ctx, "broadcast")
		require.NoError(t, err)
		assert.Empty(t, dead)

		current.DeadLetter = &model.DeadLetterMark{At: time.Now().UTC(), Reason: "max retries exceeded"}
		require.NoError(t, b.DeadLetter(ctx, current))
		dead, err = b.DeadLetters(ctx, "broadcast")
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, 0, dead[0].RetryCount)
	})

	t.Run("duplicate enqueue rejected", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		env := enqueue(t, b, "broadcast", "echo", 0)
		err := b.Enqueue(ctx, env, 0)
		assert.True(t, errors.Is(err, ErrDuplicateID), "got %v", err)
	})

	t.Run("ping", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		assert.NoError(t, b.Ping(ctx))
	})
}
