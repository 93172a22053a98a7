// Package historytest holds the behaviour every history.Store must share.
package historytest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/ordersaga/internal/engine/history"
)

// Run exercises a store produced by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) history.Store) {
	t.Helper()

	t.Run("create and load", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := history.Instance{ID: "order-1", Kind: "order", Queue: "orders", Status: history.StatusRunning, Deadline: 42, CreatedAt: 7}
		require.NoError(t, store.Create(ctx, inst, history.Event{Type: history.EventStarted, Payload: []byte{1, 2, 3}, Time: 7}))

		got, events, err := store.Load(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, "order", got.Kind)
		assert.Equal(t, "orders", got.Queue)
		assert.Equal(t, history.StatusRunning, got.Status)
		assert.Equal(t, int64(42), got.Deadline)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(1), events[0].Seq)
		assert.Equal(t, history.EventStarted, events[0].Type)
		assert.Equal(t, []byte{1, 2, 3}, events[0].Payload)
	})

	t.Run("duplicate create", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := history.Instance{ID: "dup", Kind: "order", Queue: "orders", Status: history.StatusRunning}
		require.NoError(t, store.Create(ctx, inst, history.Event{Type: history.EventStarted}))
		assert.ErrorIs(t, store.Create(ctx, inst, history.Event{Type: history.EventStarted}), history.ErrInstanceExists)
	})

	t.Run("unknown instance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.Load(ctx, "nope")
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)
		_, err = store.Get(ctx, "nope")
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)
		_, err = store.Append(ctx, "nope", history.Event{Type: history.EventSignalReceived})
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)
		assert.ErrorIs(t, store.SetStatus(ctx, "nope", history.StatusCompleted, 1), history.ErrInstanceNotFound)
	})

	t.Run("append keeps order and fields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, history.Instance{ID: "seq", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))

		failed := history.Event{
			Type:    history.EventActivityFailed,
			StepID:  "charge-payment",
			Name:    "charge_payment",
			Attempt: 2,
			Kind:    "transient",
			Message: "boom",
			Final:   true,
			Time:    99,
		}
		ev, err := store.Append(ctx, "seq", failed)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), ev.Seq)

		ev, err = store.Append(ctx, "seq", history.Event{Type: history.EventConditionResolved, StepID: "manual-approval", TimedOut: true, At: 5})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), ev.Seq)

		_, events, err := store.Load(ctx, "seq")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "charge-payment", events[1].StepID)
		assert.Equal(t, "charge_payment", events[1].Name)
		assert.Equal(t, uint64(2), events[1].Attempt)
		assert.Equal(t, "boom", events[1].Message)
		assert.True(t, events[1].Final)
		assert.Equal(t, int64(99), events[1].Time)
		assert.True(t, events[2].TimedOut)
		assert.Equal(t, int64(5), events[2].At)
	})

	t.Run("concurrent appends get distinct sequence numbers", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, history.Instance{ID: "busy", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Append(ctx, "busy", history.Event{Type: history.EventSignalReceived, Name: fmt.Sprintf("s%d", i)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		_, events, err := store.Load(ctx, "busy")
		require.NoError(t, err)
		require.Len(t, events, 21)
		for i, ev := range events {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
	})

	t.Run("status list and purge", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, store.Create(ctx, history.Instance{ID: id, Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))
		}
		require.NoError(t, store.SetStatus(ctx, "b", history.StatusCompleted, 1234))

		running, err := store.List(ctx, history.StatusRunning)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids(running))

		done, err := store.List(ctx, history.StatusCompleted)
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, int64(1234), done[0].ClosedAt)

		require.NoError(t, store.Purge(ctx, "b"))
		_, err = store.Get(ctx, "b")
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)

		done, err = store.List(ctx, history.StatusCompleted)
		require.NoError(t, err)
		assert.Empty(t, done)

		// a purged id can be reused
		require.NoError(t, store.Create(ctx, history.Instance{ID: "b", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))
		_, events, err := store.Load(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("lease is exclusive until it expires", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, history.Instance{ID: "lease", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))

		require.NoError(t, store.Claim(ctx, "lease", "w1", 100, 200))
		inst, err := store.Get(ctx, "lease")
		require.NoError(t, err)
		assert.Equal(t, "w1", inst.Owner)
		assert.Equal(t, int64(200), inst.LeaseUntil)

		assert.ErrorIs(t, store.Claim(ctx, "lease", "w2", 150, 250), history.ErrLeaseHeld)
		// the holder renews
		require.NoError(t, store.Claim(ctx, "lease", "w1", 150, 300))
		assert.ErrorIs(t, store.Claim(ctx, "lease", "w2", 250, 350), history.ErrLeaseHeld)

		// expired
		require.NoError(t, store.Claim(ctx, "lease", "w2", 300, 400))
		inst, err = store.Get(ctx, "lease")
		require.NoError(t, err)
		assert.Equal(t, "w2", inst.Owner)

		// only the holder releases
		require.NoError(t, store.Release(ctx, "lease", "w1"))
		assert.ErrorIs(t, store.Claim(ctx, "lease", "w1", 310, 410), history.ErrLeaseHeld)
		require.NoError(t, store.Release(ctx, "lease", "w2"))
		require.NoError(t, store.Claim(ctx, "lease", "w1", 310, 410))

		assert.ErrorIs(t, store.Claim(ctx, "nope", "w1", 0, 1), history.ErrInstanceNotFound)
		assert.NoError(t, store.Release(ctx, "nope", "w1"))
	})

	t.Run("owned appends stop once the lease moves", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, history.Instance{ID: "fenced", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))

		_, err := store.AppendOwned(ctx, "fenced", "w1", history.Event{Type: history.EventTimerStarted})
		assert.ErrorIs(t, err, history.ErrLeaseLost)

		require.NoError(t, store.Claim(ctx, "fenced", "w1", 0, 10))
		ev, err := store.AppendOwned(ctx, "fenced", "w1", history.Event{Type: history.EventTimerStarted})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), ev.Seq)

		require.NoError(t, store.Claim(ctx, "fenced", "w2", 20, 30))
		_, err = store.AppendOwned(ctx, "fenced", "w1", history.Event{Type: history.EventTimerStarted})
		assert.ErrorIs(t, err, history.ErrLeaseLost)

		// signals are not fenced
		ev, err = store.Append(ctx, "fenced", history.Event{Type: history.EventSignalReceived, Name: "cancel"})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), ev.Seq)

		_, events, err := store.Load(ctx, "fenced")
		require.NoError(t, err)
		assert.Len(t, events, 3)

		_, err = store.AppendOwned(ctx, "nope", "w1", history.Event{Type: history.EventTimerStarted})
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)
	})

	t.Run("append after purge leaves nothing behind", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, history.Instance{ID: "gone", Kind: "order", Queue: "orders", Status: history.StatusCompleted}, history.Event{Type: history.EventStarted}))
		require.NoError(t, store.Purge(ctx, "gone"))

		_, err := store.Append(ctx, "gone", history.Event{Type: history.EventSignalReceived})
		assert.ErrorIs(t, err, history.ErrInstanceNotFound)

		require.NoError(t, store.Create(ctx, history.Instance{ID: "gone", Kind: "order", Queue: "orders", Status: history.StatusRunning}, history.Event{Type: history.EventStarted}))
		_, events, err := store.Load(ctx, "gone")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func ids(instances []history.Instance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.ID)
	}
	return out
}
