package ws

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/auditwatch/internal/relay"
	"github.com/gosuda/auditwatch/internal/state"
)

// DefaultSnapshotRate caps state snapshots per second and connection.
const DefaultSnapshotRate = 10

// StateSource is the watched-task store. *state.Store satisfies it.
type StateSource interface {
	State() state.State
	Subscribe() (<-chan struct{}, func())
}

// Tailer subscribes to another consumer's applied log entries.
// *relay.Relay satisfies it.
type Tailer interface {
	Subscribe(ctx context.Context, taskID string) (<-chan relay.Message, func(), error)
}

// Snapshot is one state frame sent on /ws/watch.
type Snapshot struct {
	Type  string      `json:"type"`
	State state.State `json:"state"`
}

// Hub serves WebSocket views of the watched task.
type Hub struct {
	src  StateSource
	tail Tailer
	rate rate.Limit
}

// NewHub creates a hub. tail may be nil when no relay is configured.
// perSecond <= 0 selects DefaultSnapshotRate.
func NewHub(src StateSource, tail Tailer, perSecond float64) *Hub {
	if perSecond <= 0 {
		perSecond = DefaultSnapshotRate
	}
	return &Hub{src: src, tail: tail, rate: rate.Limit(perSecond)}
}

// ServeWatch sends the full state once on connect and again after changes.
// Bursts of changes coalesce into one snapshot per limiter slot.
func (h *Hub) ServeWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	changes, unsubscribe := h.src.Subscribe()
	defer unsubscribe()

	limiter := rate.NewLimiter(h.rate, 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		}
		if err := wsjson.Write(ctx, conn, Snapshot{Type: "snapshot", State: h.src.State()}); err != nil {
			log.Debug().Err(err).Msg("websocket write")
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case <-changes:
		}
	}
}

// ServeRelay tails the log entries another consumer publishes for taskID.
func (h *Hub) ServeRelay(w http.ResponseWriter, r *http.Request) {
	if h.tail == nil {
		http.Error(w, "relay not configured", http.StatusNotFound)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	messages, cleanup, err := h.tail.Subscribe(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, ok := <-messages:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}
