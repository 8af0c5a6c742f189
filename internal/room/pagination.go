package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/n42blockchain/matrixcore/internal/store"
)

// LoadPastEvents implements spec §4.4's backward pagination: satisfy the
// request from the local 30-event store window first, falling back to
// /rooms/<id>/messages only once the local window is exhausted. The
// returned events are oldest-first within the page, newest page returned
// first across repeated calls.
func (r *Room) LoadPastEvents(ctx context.Context) ([]Event, error) {
	r.mu.Lock()
	from := r.oldestStored
	exhausted := r.storeExhausted
	r.mu.Unlock()

	if !exhausted {
		rows, err := r.st.GetPastEvents(ctx, r.acc, r.RoomID, from, 30)
		if err != nil {
			return nil, fmt.Errorf("load past events from store: %w", err)
		}
		if len(rows) > 0 {
			r.mu.Lock()
			oldest := rows[len(rows)-1]
			r.oldestStored = &oldest
			r.mu.Unlock()
			return reverseStoreRows(rows), nil
		}
		r.mu.Lock()
		r.storeExhausted = true
		r.mu.Unlock()
	}

	r.mu.Lock()
	cursor := r.prevBatch
	r.mu.Unlock()
	if cursor == "" {
		return nil, nil
	}

	chunk, start, end, err := r.deps.Transport.GetMessages(r.RoomID, cursor, 30)
	if err != nil {
		return nil, fmt.Errorf("fetch past messages from homeserver: %w", err)
	}

	if len(chunk) > 0 {
		rows := make([]store.RoomEvent, len(chunk))
		for i, ev := range chunk {
			raw, err := json.Marshal(ev.Content)
			if err != nil {
				return nil, fmt.Errorf("marshal past event content: %w", err)
			}
			rows[i] = store.RoomEvent{
				RoomID:      r.RoomID,
				EventUID:    ev.EventUID,
				EventType:   ev.Type,
				Sender:      ev.Sender,
				OriginTS:    ev.OriginTS,
				ContentJSON: string(raw),
			}
		}
		if err := r.st.AddRoomEvents(ctx, r.acc, r.RoomID, rows, true); err != nil {
			return nil, fmt.Errorf("persist past events: %w", err)
		}
	}

	r.mu.Lock()
	r.prevBatch = end
	if start == end {
		r.prevBatch = ""
	}
	r.mu.Unlock()

	// The homeserver returns a backward page newest-first.
	page := make([]Event, len(chunk))
	for i, ev := range chunk {
		page[len(chunk)-1-i] = ev
	}
	return page, nil
}

func reverseStoreRows(rows []store.RoomEvent) []Event {
	out := make([]Event, len(rows))
	for i, row := range rows {
		var content map[string]interface{}
		_ = json.Unmarshal([]byte(row.ContentJSON), &content)
		out[len(rows)-1-i] = Event{
			EventUID: row.EventUID,
			SortedID: row.SortedID,
			Type:     row.EventType,
			Sender:   row.Sender,
			OriginTS: row.OriginTS,
			Content:  content,
		}
	}
	return out
}
