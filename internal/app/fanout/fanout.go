// Package fanout implements Streaming Fanout: per-match snapshot-out
// and command-in channels over WebSocket connections, with at-most-once
// last-value-wins coalescing and SlowConsumer disconnection. Each
// subscriber connection gets one writer goroutine fed by a bounded
// channel.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
)

// Mode selects whether a snapshot-out subscriber receives full snapshots
// or deltas every tick.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// writeTimeout bounds how long a single send may block before the
// subscriber is judged a slow consumer and disconnected.
const writeTimeout = 2 * time.Second

// legacyProtocol is the upgrade sub-protocol a client negotiates to
// receive the legacy `{matchId, tick, data:{...}}` wire shape instead of
// the canonical columnar one.
const legacyProtocol = "stormstack.v0"

type subscriber struct {
	conn    *websocket.Conn
	matchID uint64
	mode    Mode
	legacy  bool
	send    chan []byte
	// dirty means this subscriber's state is not reconstructible from the
	// next delta: it has never received anything, or coalescing dropped
	// an undelivered payload. A dirty delta subscriber gets a full resync
	// instead of the next delta. Only the publishing goroutine (one per
	// match) touches it after creation.
	dirty bool
}

// Hub fans tick output out to every subscriber of a match, and feeds
// inbound command messages into a container's command queue.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uint64]map[*subscriber]struct{}
	log         *logger.Logger
	upgrader    websocket.Upgrader
}

// New creates an empty Hub.
func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("fanout")
	}
	return &Hub{
		subscribers: make(map[uint64]map[*subscriber]struct{}),
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{legacyProtocol},
		},
	}
}

// negotiatedLegacy reports whether the client's upgrade request asked for
// the legacy sub-protocol among its offered Sec-WebSocket-Protocol values.
func negotiatedLegacy(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == legacyProtocol {
			return true
		}
	}
	return false
}

// ServeSnapshot upgrades r to a WebSocket connection subscribed to
// matchID's snapshot-out stream in the given mode, and runs its writer
// loop until the connection closes. Intended to be called from the
// node HTTP surface's `/ws/containers/{id}/matches/{matchId}/{snapshot,delta}`
// handlers.
func (h *Hub) ServeSnapshot(w http.ResponseWriter, r *http.Request, matchID uint64, mode Mode) error {
	legacy := negotiatedLegacy(r)
	var header http.Header
	if legacy {
		header = http.Header{"Sec-WebSocket-Protocol": {legacyProtocol}}
	}
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		return apierrors.Internal(err)
	}
	sub := &subscriber{conn: conn, matchID: matchID, mode: mode, legacy: legacy, send: make(chan []byte, 1), dirty: true}
	h.add(sub)
	h.writeLoop(sub)
	return nil
}

// CommandSubmitter runs the full submission path (resolve by name, coerce
// payload, enqueue) exactly as engine.Node.SubmitCommand does. Declared here rather than imported to avoid a fanout<->engine
// import cycle; *engine.Node satisfies it structurally.
type CommandSubmitter interface {
	SubmitCommand(containerID, matchID, playerID uint64, name string, payload map[string]interface{}) error
}

// commandMessage is the client-supplied shape of one inbound command
// stream message.
type commandMessage struct {
	MatchID  uint64                 `json:"matchId"`
	PlayerID uint64                 `json:"playerId"`
	Name     string                 `json:"name"`
	Payload  map[string]interface{} `json:"payload"`
}

// ServeCommands upgrades r to a WebSocket connection that authenticates
// every inbound command message against token (match, container and
// player must match the connection's MatchToken) and routes
// it through submitter's resolve/coerce/enqueue path, until the connection
// closes (`/ws/containers/{id}/commands`).
func (h *Hub) ServeCommands(w http.ResponseWriter, r *http.Request, containerID uint64, token model.MatchToken, submitter CommandSubmitter) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return apierrors.Internal(err)
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var msg commandMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.WithError(err).Warn("discarding malformed command message")
			continue
		}
		if msg.MatchID != token.MatchID || msg.PlayerID != token.PlayerID ||
			(token.ContainerID != 0 && token.ContainerID != containerID) {
			h.log.WithField("match_id", msg.MatchID).Warn("discarding command not scoped to connection's token")
			continue
		}
		if err := submitter.SubmitCommand(containerID, msg.MatchID, msg.PlayerID, msg.Name, msg.Payload); err != nil {
			h.log.WithError(err).WithField("match_id", msg.MatchID).Warn("command rejected")
		}
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sub.matchID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subscribers[sub.matchID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscribers[sub.matchID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.matchID)
		}
	}
}

// writeLoop delivers coalesced payloads to sub until the connection errors
// or is judged a slow consumer (write deadline exceeded).
func (h *Hub) writeLoop(sub *subscriber) {
	defer func() {
		h.remove(sub)
		sub.conn.Close()
	}()
	for payload := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.WithError(apierrors.SlowConsumer()).WithField("match_id", sub.matchID).Warn("closing slow consumer")
			return
		}
	}
}

// PublishSnapshot implements scheduler.Publisher: it fans out snap or
// delta (per each subscriber's mode) to every subscriber of snap.MatchID,
// coalescing to the latest value when a subscriber is behind. A delta
// subscriber whose pending payload had to be dropped — or that has never
// been sent anything — cannot apply the next delta, so it receives a full
// resync delta built from snap and deltas resume afterward.
func (h *Hub) PublishSnapshot(containerID uint64, snap model.Snapshot, delta model.Delta) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers[snap.MatchID]))
	for sub := range h.subscribers[snap.MatchID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	var fullPayload, deltaPayload, resyncPayload, legacyPayload []byte
	for _, sub := range subs {
		// Drop an undelivered previous payload first (last-value-wins);
		// losing one means the subscriber's state has a gap.
		select {
		case <-sub.send:
			sub.dirty = true
		default:
		}

		var payload []byte
		switch {
		case sub.mode == ModeDelta && (sub.dirty || delta.Resync):
			if resyncPayload == nil {
				resyncPayload, _ = json.Marshal(snap.AsResyncDelta())
			}
			payload = resyncPayload
		case sub.mode == ModeDelta:
			// The legacy shape has no delta form; a legacy delta
			// subscriber still gets the canonical delta wire form.
			if deltaPayload == nil {
				deltaPayload, _ = json.Marshal(delta)
			}
			payload = deltaPayload
		case sub.legacy:
			if legacyPayload == nil {
				legacyPayload, _ = json.Marshal(snap.ToLegacy())
			}
			payload = legacyPayload
		default:
			if fullPayload == nil {
				fullPayload, _ = json.Marshal(snap)
			}
			payload = fullPayload
		}

		select {
		case sub.send <- payload:
			sub.dirty = false
		default:
			// The writer raced a slot in between; treat as a drop so the
			// next publish resyncs.
			sub.dirty = true
		}
	}
}

// CloseMatch closes every subscriber connection for matchID, used when a
// match terminates and emits no further snapshots.
func (h *Hub) CloseMatch(matchID uint64) {
	h.mu.Lock()
	subs := h.subscribers[matchID]
	delete(h.subscribers, matchID)
	h.mu.Unlock()
	for sub := range subs {
		close(sub.send)
	}
}
