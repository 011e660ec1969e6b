package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"helmsman/internal/bus"
	"helmsman/internal/logging"
)

// replayDepth bounds the recent-event ring used for Last-Event-ID replay.
const replayDepth = 256

// Event is one server-sent event: a monotonically increasing id, the SSE
// event name, and a JSON delta payload {op, path, value}.
type Event struct {
	ID        uint64
	Name      string
	SessionID string
	Data      []byte
}

// delta is the wire shape of every event payload. Clients apply deltas to
// their local state tree instead of re-fetching snapshots.
type delta struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// eventHub fans bus events out to SSE streams and keeps a short replay
// buffer so reconnecting clients can catch up via Last-Event-ID.
type eventHub struct {
	mu     sync.Mutex
	nextID uint64
	ring   []Event
	subs   map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

// attach maps loop bus topics onto SSE event names.
func (h *eventHub) attach(b *bus.Bus) {
	translate := func(topic, op string) func(string, any) {
		return func(_ string, payload any) {
			id := sessionIDOf(payload)
			path := "/sessions"
			if id != "" {
				path = "/sessions/" + id
			}
			h.emit(topic, id, delta{Op: op, Path: path, Value: payload})
		}
	}
	b.Subscribe("session:update", translate("session:update", "replace"))
	b.Subscribe("task:completed", translate("task:completed", "add"))
	b.Subscribe("task:failed", translate("task:failed", "add"))
	b.Subscribe("alert:warning", translate("alert:warning", "add"))
}

// emit assigns the next id, buffers for replay, and fans out. Slow
// subscribers are skipped; they recover through replay on reconnect.
func (h *eventHub) emit(name, sessionID string, d delta) {
	data, err := json.Marshal(d)
	if err != nil {
		logging.Dashboard("Event %s: marshal failed: %v", name, err)
		return
	}

	h.mu.Lock()
	h.nextID++
	ev := Event{ID: h.nextID, Name: name, SessionID: sessionID, Data: data}
	h.ring = append(h.ring, ev)
	if len(h.ring) > replayDepth {
		h.ring = h.ring[len(h.ring)-replayDepth:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// subscribe returns a live event channel and any buffered events after
// afterID. Cancel must be called when the stream ends.
func (h *eventHub) subscribe(afterID uint64) (ch chan Event, replay []Event, cancel func()) {
	ch = make(chan Event, 32)
	h.mu.Lock()
	for _, ev := range h.ring {
		if ev.ID > afterID {
			replay = append(replay, ev)
		}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, replay, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// serveStream writes an SSE stream until the client disconnects. An empty
// sessionFilter streams all sessions.
func (h *eventHub) serveStream(w http.ResponseWriter, r *http.Request, sessionFilter string, retryMillis int, heartbeatEvery time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if retryMillis <= 0 {
		retryMillis = 3000
	}
	fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	var afterID uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		afterID, _ = strconv.ParseUint(last, 10, 64)
	}

	events, replay, cancel := h.subscribe(afterID)
	defer cancel()

	write := func(ev Event) {
		if sessionFilter != "" && ev.SessionID != sessionFilter {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
		flusher.Flush()
	}
	for _, ev := range replay {
		write(ev)
	}

	if heartbeatEvery <= 0 {
		heartbeatEvery = 25 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			write(ev)
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
