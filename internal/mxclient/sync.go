package mxclient

import (
	"context"
	"fmt"

	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/room"
)

// oneTimeKeyTarget is the one-time-key count threshold below which a sync
// response triggers a fresh /keys/upload before the next long-poll (spec
// §4.6: "below half the Olm maximum"), mirroring EncEngine's own
// floor(maxOneTimeKeys/2) cap so the client never races ahead of what the
// engine is willing to generate.
const oneTimeKeyTarget = 50

const longPollTimeoutMs = 30000

// syncOnce performs one GET /sync iteration and applies its payload in the
// fixed dispatch order spec §4.6 requires: account_data, then to_device,
// then rooms.join, then device_lists.changed. next_batch is persisted only
// after every step below succeeds or has been individually skipped-and-
// logged, so a decrypt failure on one event never stalls the whole sync
// loop (spec §4.6 "skip and log" policy).
func (c *Client) syncOnce(ctx context.Context) error {
	c.mu.Lock()
	since := c.nextBatch
	filterID := c.filterID
	c.mu.Unlock()

	resp, err := c.api.sync(ctx, since, filterID, longPollTimeoutMs)
	if err != nil {
		return err
	}

	for _, ev := range resp.AccountData.Events {
		c.log.Debug("account_data event", "type", ev.Type)
	}

	for _, ev := range resp.ToDevice.Events {
		if err := c.handleToDeviceEvent(ctx, ev); err != nil {
			c.log.Warn("failed to handle to-device event", "type", ev.Type, "error", err)
		}
	}

	for roomID, joined := range resp.Rooms.Join {
		r := c.roomFor(roomID)
		timeline := convertEvents(joined.Timeline.Events)
		state := convertEvents(joined.State.Events)
		if err := r.SetData(ctx, timeline, state, joined.Timeline.PrevBatch); err != nil {
			c.log.Warn("failed to apply room timeline", "room_id", roomID, "error", err)
			continue
		}
		c.metrics.messagesReceived.WithLabelValues(c.userID).Add(float64(len(timeline)))
	}

	if len(resp.DeviceLists.Changed) > 0 {
		c.directory.MarkChanged(resp.DeviceLists.Changed)
	}

	if count, ok := resp.DeviceOneTimeKeysCount["signed_curve25519"]; ok && count < oneTimeKeyTarget {
		if err := c.uploadKeys(ctx, false); err != nil {
			c.log.Warn("failed to top up one-time keys", "error", err)
		}
	}

	c.mu.Lock()
	c.nextBatch = resp.NextBatch
	acc := c.accountSnapshot()
	c.mu.Unlock()
	if err := c.engine.Persist(ctx, &acc); err != nil {
		c.log.Error("failed to persist next_batch", "error", err)
	}

	return nil
}

func convertEvents(in []RawEventJSON) []room.RawEvent {
	out := make([]room.RawEvent, 0, len(in))
	for _, ev := range in {
		out = append(out, room.RawEvent{
			EventUID: ev.EventID,
			Type:     ev.Type,
			Sender:   ev.Sender,
			OriginTS: ev.OriginTS,
			StateKey: ev.StateKey,
			Content:  ev.Content,
		})
	}
	return out
}

// handleToDeviceEvent routes one to-device event either into EncEngine (for
// m.room.encrypted to-device messages carrying Olm payloads and room keys)
// or into the matching VerificationSession (for the m.key.verification.*
// family), surfacing verification progress to the application callback.
func (c *Client) handleToDeviceEvent(ctx context.Context, ev RawEventJSON) error {
	switch ev.Type {
	case "m.room.encrypted":
		var env crypto.ToDeviceEnvelope
		if err := remarshal(ev.Content, &env); err != nil {
			return fmt.Errorf("parse to-device envelope: %w", err)
		}
		decrypted, err := c.engine.HandleToDevice(ctx, env)
		if err != nil {
			return err
		}
		c.log.Debug("decrypted to-device message", "type", decrypted.Type, "sender", decrypted.Sender)
		return nil
	case "m.key.verification.request", "m.key.verification.ready", "m.key.verification.start",
		"m.key.verification.accept", "m.key.verification.key", "m.key.verification.mac",
		"m.key.verification.cancel", "m.key.verification.done":
		return c.handleVerificationEvent(ctx, ev)
	default:
		return nil
	}
}

// roomFor returns the in-memory Room for roomID, constructing it on first
// reference (spec §4.6: rooms are created lazily as /sync reports them).
func (c *Client) roomFor(roomID string) *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return r
	}
	r := room.New(c.log, c.store, c.accountID(), roomID, c.userID, room.Deps{
		Engine:    c.engine,
		Directory: c.directory,
		Transport: c.api,
	})
	c.rooms[roomID] = r
	return r
}
