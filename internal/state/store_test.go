package state_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/state"
)

func TestStoreConcurrentProducers(t *testing.T) {
	t.Parallel()

	store := state.NewStore(state.New("a1", 1000))

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				// Every producer sends the same ids; duplicates must collapse.
				store.Dispatch(state.AppendLog{Entry: entry(fmt.Sprintf("e%d", i), uint64(i+1))})
				if p == 0 {
					pct := float64(i)
					store.Dispatch(state.PatchTask{Patch: domain.TaskPatch{Percentage: &pct}})
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, store.State().Logs, 50)
	assert.InDelta(t, 49.0, store.State().Task.Percentage, 0.001)
}

func TestStoreDispatchFor(t *testing.T) {
	t.Parallel()

	store := state.NewStore(state.New("a1", 10))
	store.Dispatch(state.Reset{TaskID: "b2"})

	assert.False(t, store.DispatchFor("a1", state.AppendLog{Entry: entry("stale", 1)}))
	assert.True(t, store.DispatchFor("b2", state.AppendLog{Entry: entry("fresh", 1)}))

	logs := store.State().Logs
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh", logs[0].ID)
}

func TestStoreSubscribe(t *testing.T) {
	t.Parallel()

	store := state.NewStore(state.New("a1", 10))
	ch, cancel := store.Subscribe()

	store.Dispatch(state.SetError{Message: "one"})
	store.Dispatch(state.SetError{Message: "two"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	// Both dispatches coalesced into the one signal.
	select {
	case <-ch:
		t.Fatal("expected coalesced notification")
	default:
	}
	assert.Equal(t, "two", store.State().UI.Error)

	cancel()
	cancel()
	store.Dispatch(state.SetError{Message: "three"})
	select {
	case <-ch:
		t.Fatal("cancelled subscriber notified")
	default:
	}
}

func TestCursor(t *testing.T) {
	t.Parallel()

	var c state.Cursor
	assert.True(t, c.Advance(4))
	assert.False(t, c.Advance(2))
	assert.False(t, c.Advance(4))
	assert.Equal(t, uint64(4), c.Load())

	assert.True(t, c.Covers(2))
	assert.True(t, c.Covers(4))
	assert.False(t, c.Covers(5))
	assert.False(t, c.Covers(0))
}
