package mxclient

import (
	"context"
	"fmt"
	"time"

	"github.com/n42blockchain/matrixcore/internal/verification"
)

// handleVerificationEvent routes one m.key.verification.* to-device event
// to its Session, creating a new incoming Session on the first
// .request/.start this device sees for a transaction ID it doesn't know
// yet (spec §4.5). Completed or cancelled sessions are not removed from the
// map; callers that want to reclaim memory can do so once Done/Cancel has
// fired, via the delivered ActionVerificationEvent notification.
func (c *Client) handleVerificationEvent(ctx context.Context, ev RawEventJSON) error {
	txnID, _ := ev.Content["transaction_id"].(string)
	if txnID == "" {
		return fmt.Errorf("verification event missing transaction_id")
	}

	session, isNew := c.sessionFor(ev.Type, ev.Sender, ev.Content, txnID)
	if session == nil {
		return nil
	}

	var err error
	switch ev.Type {
	case "m.key.verification.request":
		if isNew {
			err = session.Ready(ctx)
		}
	case "m.key.verification.start":
		err = session.HandleStart(ctx, ev.Content)
	case "m.key.verification.accept":
		err = session.HandleAccept(ctx, ev.Content)
	case "m.key.verification.key":
		key, _ := ev.Content["key"].(string)
		err = session.HandleKey(ctx, key)
	case "m.key.verification.mac":
		err = session.HandleMAC(ctx, ev.Content)
	case "m.key.verification.cancel", "m.key.verification.done", "m.key.verification.ready":
		// terminal or informational; state already reflects them via the
		// session's own Cancel/Done paths when locally initiated.
	}

	c.notify(Event{Action: ActionVerificationEvent, JSON: ev.Content, Err: err})
	return err
}

// sessionFor returns the Session for txnID, creating an incoming one on
// first reference. isNew reports whether this call created it.
func (c *Client) sessionFor(eventType, sender string, content map[string]interface{}, txnID string) (*verification.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[txnID]; ok {
		return s, false
	}
	if eventType != "m.key.verification.request" && eventType != "m.key.verification.start" {
		return nil, false
	}

	fromDevice, _ := content["from_device"].(string)
	if fromDevice == "" {
		return nil, false
	}

	// A .request carries the sender's timestamp in milliseconds; a .start
	// carries none and is treated as sent now.
	createdAt := time.Now()
	if ts, ok := content["timestamp"].(float64); ok {
		createdAt = time.UnixMilli(int64(ts))
	}

	ed25519Key, _ := c.engine.IdentityKeys()
	s := verification.NewIncoming(c.log, &deviceTransport{api: c.api}, c, c.userID, c.deviceID, ed25519Key,
		sender, fromDevice, txnID, createdAt)
	c.sessions[txnID] = s
	return s, true
}

// StartVerification initiates an outgoing SAS verification with a peer
// device, registering the Session under its transaction ID and sending
// m.key.verification.start immediately (spec §4.5, device-initiated flow).
func (c *Client) StartVerification(ctx context.Context, txnID, peerUserID, peerDeviceID string) (*verification.Session, error) {
	ed25519Key, _ := c.engine.IdentityKeys()

	c.mu.Lock()
	s := verification.NewOutgoing(c.log, &deviceTransport{api: c.api}, c, c.userID, c.deviceID, ed25519Key,
		peerUserID, peerDeviceID, txnID)
	c.sessions[txnID] = s
	c.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
