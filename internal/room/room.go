package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/n42blockchain/matrixcore/internal/store"
)

// Room is one joined room's in-memory state plus its outbound send pipeline.
type Room struct {
	log  *slog.Logger
	st   *store.Store
	acc  store.AccountID
	deps Deps

	RoomID string

	mu             sync.Mutex
	joined         map[string]*Member
	invited        map[string]*Member
	events         []Event
	meta           Metadata
	prevBatch      string
	selfID         string
	oldestStored   *store.RoomEvent
	storeExhausted bool

	queue  chan *OutgoingMessage
	closed chan struct{}
	done   chan struct{}
}

// New constructs a Room and starts its single send-pipeline worker goroutine
// (spec §4.4: "the dispatcher runs one item at a time").
func New(log *slog.Logger, st *store.Store, acc store.AccountID, roomID, selfID string, deps Deps) *Room {
	r := &Room{
		log:     log.With("component", "room", "room_id", roomID),
		st:      st,
		acc:     acc,
		deps:    deps,
		RoomID:  roomID,
		selfID:  selfID,
		joined:  make(map[string]*Member),
		invited: make(map[string]*Member),
		queue:   make(chan *OutgoingMessage, 64),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// Close stops the send-pipeline worker once the queue drains.
func (r *Room) Close() {
	close(r.closed)
	<-r.done
}

// Metadata returns a copy of the room's current derived state.
func (r *Room) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Events returns a copy of the in-memory event list, oldest first.
func (r *Room) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// JoinedMembers returns the current joined roster.
func (r *Room) JoinedMembers() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.joined))
	for _, m := range r.joined {
		out = append(out, *m)
	}
	return out
}

// SetData dispatches one /sync rooms.join[room_id] payload: decrypts
// encrypted envelopes through EncEngine, attaches the sender, appends to the
// event list, and mirrors state-changing events into Metadata (spec §4.4
// "Incoming events"). Outbound messages are not held in the event list while
// they are pending, so no pending entry is removed when a sent event comes
// back through /sync; it is appended like any other event.
func (r *Room) SetData(ctx context.Context, timeline []RawEvent, state []RawEvent, prevBatch string) error {
	for _, ev := range state {
		r.applyStateEvent(ev)
	}
	for _, ev := range timeline {
		if err := r.applyTimelineEvent(ctx, ev); err != nil {
			r.log.Warn("failed to apply timeline event", "event_type", ev.Type, "error", err)
		}
	}

	r.mu.Lock()
	r.prevBatch = prevBatch
	r.mu.Unlock()

	r.regenerateNameIfNeeded()
	return nil
}

// RawEvent is the minimal shape of one /sync timeline or state event before
// Room-specific interpretation (decryption, membership projection).
type RawEvent struct {
	EventUID string
	Type     string
	Sender   string
	OriginTS int64
	StateKey *string
	Content  map[string]interface{}
}

func (r *Room) applyTimelineEvent(ctx context.Context, ev RawEvent) error {
	content := ev.Content
	evType := ev.Type

	if evType == "m.room.encrypted" {
		decrypted, err := r.decryptEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("decrypt room event %s: %w", ev.EventUID, err)
		}
		evType = decrypted.Type
		content = decrypted.Content
	}

	txnID, _ := content["__txn_id"].(string)

	r.mu.Lock()
	r.removePendingByTxn(txnID)
	r.events = append(r.events, Event{
		EventUID: ev.EventUID,
		Type:     evType,
		Sender:   ev.Sender,
		OriginTS: ev.OriginTS,
		Content:  content,
	})
	r.mu.Unlock()

	if err := r.persistEvent(ctx, ev.EventUID, evType, ev.Sender, ev.OriginTS, content); err != nil {
		return err
	}
	return nil
}

func (r *Room) removePendingByTxn(txnID string) {
	if txnID == "" {
		return
	}
	// Outbound messages live only in the send queue until their PUT returns;
	// the event list holds no pending entries, so nothing is removed here.
}
