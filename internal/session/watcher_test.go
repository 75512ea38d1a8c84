package session_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/state"
	"github.com/gosuda/auditwatch/internal/stream"
)

const waitFor = 3 * time.Second

// fakeBackend serves the audit backend routes. Stream connections are
// answered by streams[i] for the i-th connection; later connections reuse the
// last handler.
type fakeBackend struct {
	mu       sync.Mutex
	history  map[string]string
	status   string
	noEvents bool
	streams  []func(w http.ResponseWriter, r *http.Request)
	afters   []string

	statusCalls atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: map[string]string{}, status: "running"}
}

func (b *fakeBackend) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *fakeBackend) streamAfters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.afters...)
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/audit/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		rows, broken := b.history[r.PathValue("id")], b.noEvents
		b.mu.Unlock()
		if broken {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"detail":"database unavailable"}`)
			return
		}
		fmt.Fprintf(w, `{"audit_id":%q,"events":[%s]}`, r.PathValue("id"), rows)
	})
	mux.HandleFunc("GET /api/audit/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		b.statusCalls.Add(1)
		b.mu.Lock()
		status := b.status
		b.mu.Unlock()
		fmt.Fprintf(w, `{"audit_id":%q,"status":%q,"progress":{"percentage":10,"current_stage":"recon"}}`, r.PathValue("id"), status)
	})
	mux.HandleFunc("GET /api/audit/{id}/result", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"vulnerabilities":[{"id":"v1","title":"SQL injection","severity":"high"}]}`)
	})
	mux.HandleFunc("GET /api/audit/{id}/events/stats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"latest_sequence":20}`)
	})
	mux.HandleFunc("GET /api/agents/tree", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"agent_id":"root","agent_type":"orchestrator"}`)
	})
	mux.HandleFunc("GET /api/audit/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		n := len(b.afters)
		b.afters = append(b.afters, r.URL.Query().Get("after_sequence"))
		var h func(http.ResponseWriter, *http.Request)
		if len(b.streams) > 0 {
			h = b.streams[min(n, len(b.streams)-1)]
		}
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if h == nil {
			holdOpen(w, r)
			return
		}
		h(w, r)
	})
	return mux
}

func historyRow(id int, seq uint64) string {
	return fmt.Sprintf(`{"id":%d,"audit_id":"a1","agent_type":"recon","event_type":"thinking","sequence":%d,"message":"step %d","data":{}}`, id, seq, seq)
}

func sseFrame(eventType string, seq uint64, message string) string {
	return fmt.Sprintf("event: %s\ndata: {\"type\":%q,\"data\":{\"event_type\":%q,\"sequence\":%d,\"message\":%q},\"sequence\":%d}\n\n",
		eventType, eventType, eventType, seq, message, seq)
}

func send(w http.ResponseWriter, frames ...string) {
	for _, f := range frames {
		_, _ = io.WriteString(w, f)
	}
	w.(http.Flusher).Flush()
}

// holdOpen keeps the stream alive until the client goes away.
func holdOpen(w http.ResponseWriter, r *http.Request) {
	send(w, ": connected\n\n")
	<-r.Context().Done()
}

type notifierFunc func(ctx context.Context, task domain.TaskSnapshot) error

func (f notifierFunc) NotifyTerminal(ctx context.Context, task domain.TaskSnapshot) error {
	return f(ctx, task)
}

type publisherFunc func(ctx context.Context, taskID string, entry domain.LogEntry) error

func (f publisherFunc) PublishLog(ctx context.Context, taskID string, entry domain.LogEntry) error {
	return f(ctx, taskID, entry)
}

func startWatcher(t *testing.T, b *fakeBackend, mutate ...func(*session.Options)) *session.Watcher {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	opts := session.Options{
		Backoff:      stream.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		MaxAttempts:  5,
		PollInterval: time.Hour,
	}
	for _, m := range mutate {
		m(&opts)
	}
	w := session.New(backend.New(backend.Config{BaseURL: srv.URL}), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w
}

func sequences(logs []domain.LogEntry) []uint64 {
	out := make([]uint64, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Sequence)
	}
	return out
}

func awaitConnection(t *testing.T, w *session.Watcher, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.State().Connection.State == want
	}, waitFor, 5*time.Millisecond, "connection never reached %s", want)
}

func TestBackfillThenStream(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	// Sequence 3 was never emitted and 2 is redelivered.
	b.history["a1"] = strings.Join([]string{historyRow(4, 4), historyRow(2, 2), historyRow(1, 1), historyRow(2, 2)}, ",")
	w := startWatcher(t, b)

	w.Select("a1")
	awaitConnection(t, w, domain.ConnConnected)

	st := w.State()
	assert.True(t, st.History.Loaded)
	assert.Equal(t, 4, st.History.Count)
	assert.Empty(t, st.History.Error)
	assert.Equal(t, []uint64{1, 2, 4}, sequences(st.Logs))
	assert.Equal(t, uint64(4), w.Cursor())
	assert.Empty(t, st.UI.Error)
	assert.Equal(t, []string{"4"}, b.streamAfters())
}

func TestReconnectResumesAfterCursor(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.streams = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, _ *http.Request) {
			for seq := uint64(1); seq <= 10; seq++ {
				send(w, sseFrame("thinking", seq, fmt.Sprintf("step %d", seq)))
			}
		},
		func(w http.ResponseWriter, r *http.Request) {
			send(w,
				sseFrame("thinking", 9, "step 9"),
				sseFrame("thinking", 10, "step 10"),
				sseFrame("thinking", 11, "step 11"),
			)
			<-r.Context().Done()
		},
	}
	w := startWatcher(t, b)

	w.Select("a1")
	require.Eventually(t, func() bool {
		return len(w.State().Logs) == 11
	}, waitFor, 5*time.Millisecond)

	afters := b.streamAfters()
	require.GreaterOrEqual(t, len(afters), 2)
	assert.Empty(t, afters[0])
	assert.Equal(t, "10", afters[1])

	seqs := sequences(w.State().Logs)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, seqs)
	assert.Equal(t, uint64(11), w.Cursor())
}

func TestTerminalEventStopsStreamAndReconciles(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.streams = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			b.setStatus("completed")
			send(w, sseFrame("thinking", 1, "almost done"), sseFrame("task_complete", 2, ""))
			<-r.Context().Done()
		},
	}

	var notified atomic.Int32
	w := startWatcher(t, b, func(o *session.Options) {
		o.Notifier = notifierFunc(func(_ context.Context, task domain.TaskSnapshot) error {
			assert.Equal(t, domain.TaskStatusCompleted, task.Status)
			notified.Add(1)
			return nil
		})
	})

	w.Select("a1")
	require.Eventually(t, func() bool { return notified.Load() == 1 }, waitFor, 5*time.Millisecond)
	awaitConnection(t, w, domain.ConnDisconnected)

	st := w.State()
	assert.Equal(t, domain.TaskStatusCompleted, st.Task.Status)
	require.Len(t, st.Findings, 1)
	assert.Equal(t, "v1", st.Findings[0].ID)
	require.Len(t, st.Agents, 1)
	require.Len(t, st.Logs, 2)
	assert.Equal(t, "task completed", st.Logs[1].Content)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), notified.Load())
	assert.Len(t, b.streamAfters(), 1)
}

func TestEarlyCompletionWaitsForBackend(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.streams = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			send(w, sseFrame("task_complete", 1, ""))
			<-r.Context().Done()
		},
	}

	var mu sync.Mutex
	var notified []domain.TaskStatus
	w := startWatcher(t, b, func(o *session.Options) {
		o.PollInterval = 30 * time.Millisecond
		o.Notifier = notifierFunc(func(_ context.Context, task domain.TaskSnapshot) error {
			mu.Lock()
			notified = append(notified, task.Status)
			mu.Unlock()
			return nil
		})
	})
	notifications := func() []domain.TaskStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.TaskStatus(nil), notified...)
	}

	w.Select("a1")
	require.Eventually(t, func() bool { return w.Cursor() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return w.State().Task.Status == domain.TaskStatusRunning && b.statusCalls.Load() >= 3
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, notifications())
	assert.Empty(t, w.State().Findings)

	b.setStatus("completed")
	require.Eventually(t, func() bool { return len(notifications()) == 1 }, waitFor, 5*time.Millisecond)

	st := w.State()
	assert.Equal(t, domain.TaskStatusCompleted, st.Task.Status)
	require.Len(t, st.Findings, 1)
	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusCompleted}, notifications())
}

func TestBackendErrorTriggersRefresh(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.streams = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			send(w, sseFrame("error", 1, "LLM quota exceeded"))
			<-r.Context().Done()
		},
	}
	w := startWatcher(t, b)

	w.Select("a1")
	require.Eventually(t, func() bool {
		return w.State().UI.Error == "LLM quota exceeded"
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.statusCalls.Load() >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, domain.ConnConnected, w.State().Connection.State)
}

func TestFailedBackfillStillAttaches(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.noEvents = true
	w := startWatcher(t, b)

	w.Select("a1")
	awaitConnection(t, w, domain.ConnConnected)

	st := w.State()
	assert.True(t, st.History.Loaded)
	assert.Contains(t, st.History.Error, "database unavailable")
	assert.Equal(t, []string{""}, b.streamAfters())
}

func TestSelectResetsState(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.history["a1"] = historyRow(1, 1)
	w := startWatcher(t, b)

	w.Select("a1")
	awaitConnection(t, w, domain.ConnConnected)
	require.NoError(t, w.Dispatch(state.ToggleExpanded{ID: "thinking-1"}))
	require.Len(t, w.State().Logs, 1)

	w.Select("a2")
	st := w.State()
	assert.Equal(t, "a2", st.TaskID)
	assert.Empty(t, st.Logs)
	assert.Empty(t, st.UI.Expanded)
	assert.Zero(t, w.Cursor())

	awaitConnection(t, w, domain.ConnConnected)
	assert.Equal(t, "a2", w.State().TaskID)
	assert.Empty(t, w.State().Logs)
}

func TestManualDisconnectHolds(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	w := startWatcher(t, b)

	w.Select("a1")
	awaitConnection(t, w, domain.ConnConnected)

	require.NoError(t, w.Disconnect())
	awaitConnection(t, w, domain.ConnDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.ConnDisconnected, w.State().Connection.State)

	require.NoError(t, w.Connect())
	awaitConnection(t, w, domain.ConnConnected)

	require.NoError(t, w.ResetConnection())
	awaitConnection(t, w, domain.ConnConnected)
}

func TestExhaustedRetriesNeedReset(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	var broken atomic.Bool
	broken.Store(true)
	b.streams = []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			if broken.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			holdOpen(w, r)
		},
	}
	w := startWatcher(t, b, func(o *session.Options) { o.MaxAttempts = 3 })

	w.Select("a1")
	awaitConnection(t, w, domain.ConnFailed)
	assert.Len(t, b.streamAfters(), 3)
	assert.Contains(t, w.State().Connection.LastError, "reconnect attempts exhausted")

	broken.Store(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.ConnFailed, w.State().Connection.State)

	require.NoError(t, w.ResetConnection())
	awaitConnection(t, w, domain.ConnConnected)
	assert.Zero(t, w.State().Connection.Attempt)
}

func TestLag(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.history["a1"] = historyRow(1, 5)
	w := startWatcher(t, b)

	_, err := w.Lag(context.Background())
	require.ErrorIs(t, err, domain.ErrNoTask)

	w.Select("a1")
	require.Eventually(t, func() bool { return w.Cursor() == 5 }, waitFor, 5*time.Millisecond)

	lag, err := w.Lag(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Lag{TaskID: "a1", LatestSequence: 20, Cursor: 5, Behind: 15}, lag)
}

func TestPublishesAppliedEntries(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.history["a1"] = strings.Join([]string{historyRow(1, 1), historyRow(2, 2)}, ",")

	var mu sync.Mutex
	var published []string
	w := startWatcher(t, b, func(o *session.Options) {
		o.Publisher = publisherFunc(func(_ context.Context, taskID string, entry domain.LogEntry) error {
			mu.Lock()
			defer mu.Unlock()
			published = append(published, taskID+"/"+entry.ID)
			return nil
		})
	})

	w.Select("a1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a1/1", "a1/2"}, published)
}

func TestNoTaskSelected(t *testing.T) {
	t.Parallel()

	w := startWatcher(t, newFakeBackend())
	require.ErrorIs(t, w.Connect(), domain.ErrNoTask)
	require.ErrorIs(t, w.Disconnect(), domain.ErrNoTask)
	require.ErrorIs(t, w.ResetConnection(), domain.ErrNoTask)
	require.ErrorIs(t, w.Dispatch(state.SelectAgent{ID: "x"}), domain.ErrNoTask)
	assert.Zero(t, w.Cursor())
}
