package verification

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pairTransport wires two Sessions' SendToDevice calls directly into each
// other's Handle* methods, letting tests drive both sides of one exchange.
type pairTransport struct {
	deliver func(ctx context.Context, eventType string, content map[string]interface{}) error
}

func (p *pairTransport) SendToDevice(ctx context.Context, eventType, userID, deviceID string, content map[string]interface{}) error {
	return p.deliver(ctx, eventType, content)
}

type fakeKeyLookup struct {
	keys map[string]id.Ed25519
}

func (f *fakeKeyLookup) Ed25519Key(userID, deviceID string) (id.Ed25519, bool) {
	k, ok := f.keys[deviceID]
	return k, ok
}

// TestFullSASFlow drives a complete verification exchange between two
// Sessions wired directly together, covering spec §4.5's state table
// start-to-finish: request acknowledgment, method negotiation, commitment,
// key exchange, and mutual MAC verification.
func TestFullSASFlow(t *testing.T) {
	ctx := context.Background()

	aliceEd := id.Ed25519("alice-ed25519-pubkey")
	bobEd := id.Ed25519("bob-ed25519-pubkey")

	aliceKeys := &fakeKeyLookup{keys: map[string]id.Ed25519{"BOBDEVICE": bobEd}}
	bobKeys := &fakeKeyLookup{keys: map[string]id.Ed25519{"ALICEDEVICE": aliceEd}}

	var alice, bob *Session

	aliceTransport := &pairTransport{}
	bobTransport := &pairTransport{}

	alice = NewOutgoing(testLogger(), aliceTransport, aliceKeys,
		"@alice:example.org", "ALICEDEVICE", aliceEd,
		"@bob:example.org", "BOBDEVICE", "txn1")
	bob = NewIncoming(testLogger(), bobTransport, bobKeys,
		"@bob:example.org", "BOBDEVICE", bobEd,
		"@alice:example.org", "ALICEDEVICE", "txn1", time.Now())

	aliceTransport.deliver = func(ctx context.Context, eventType string, content map[string]interface{}) error {
		return dispatch(ctx, bob, eventType, content)
	}
	bobTransport.deliver = func(ctx context.Context, eventType string, content map[string]interface{}) error {
		return dispatch(ctx, alice, eventType, content)
	}

	if err := bob.Ready(ctx); err != nil {
		t.Fatalf("bob ready: %v", err)
	}
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("bob accept: %v", err)
	}
	if err := alice.SendKey(ctx); err != nil {
		t.Fatalf("alice send key: %v", err)
	}
	if err := bob.SendKey(ctx); err != nil {
		t.Fatalf("bob send key: %v", err)
	}

	if alice.State() != StateKeysExchanged {
		t.Fatalf("expected alice in keys_exchanged, got %v (cancel=%v)", alice.State(), alice.CancelCode())
	}
	if bob.State() != StateKeysExchanged {
		t.Fatalf("expected bob in keys_exchanged, got %v (cancel=%v)", bob.State(), bob.CancelCode())
	}

	aliceEmojis, err := alice.SASEmojis()
	if err != nil {
		t.Fatalf("alice emojis: %v", err)
	}
	bobEmojis, err := bob.SASEmojis()
	if err != nil {
		t.Fatalf("bob emojis: %v", err)
	}
	if aliceEmojis != bobEmojis {
		t.Fatalf("expected both sides to derive the same emoji sequence, got %v vs %v", aliceEmojis, bobEmojis)
	}

	if err := alice.ConfirmMatch(ctx); err != nil {
		t.Fatalf("alice confirm: %v", err)
	}
	if err := bob.ConfirmMatch(ctx); err != nil {
		t.Fatalf("bob confirm: %v", err)
	}

	if alice.State() != StateMACVerified {
		t.Fatalf("expected alice mac_verified, got %v (cancel=%v)", alice.State(), alice.CancelCode())
	}
	if bob.State() != StateMACVerified {
		t.Fatalf("expected bob mac_verified, got %v (cancel=%v)", bob.State(), bob.CancelCode())
	}

	if err := alice.Done(ctx); err != nil {
		t.Fatalf("alice done: %v", err)
	}
	if alice.State() != StateDone {
		t.Fatalf("expected alice done, got %v", alice.State())
	}
}

// dispatch routes one to-device payload into the receiving Session's
// handler, standing in for mxclient's real event-type switch.
func dispatch(ctx context.Context, s *Session, eventType string, content map[string]interface{}) error {
	switch eventType {
	case "m.key.verification.start":
		return s.HandleStart(ctx, content)
	case "m.key.verification.accept":
		return s.HandleAccept(ctx, content)
	case "m.key.verification.key":
		key, _ := content["key"].(string)
		return s.HandleKey(ctx, key)
	case "m.key.verification.mac":
		return s.HandleMAC(ctx, content)
	case "m.key.verification.cancel", "m.key.verification.ready", "m.key.verification.done":
		return nil
	default:
		return nil
	}
}

// TestNewIncomingRejectsStaleRequest covers the freshness window: a request
// timestamped far in the past is cancelled immediately with m.timeout.
func TestNewIncomingRejectsStaleRequest(t *testing.T) {
	s := NewIncoming(testLogger(), &pairTransport{deliver: func(context.Context, string, map[string]interface{}) error { return nil }},
		&fakeKeyLookup{}, "@bob:example.org", "BOBDEVICE", id.Ed25519("x"),
		"@alice:example.org", "ALICEDEVICE", "txn2", time.Now().Add(-20*time.Minute))

	if s.State() != StateCancelled {
		t.Fatalf("expected stale request to be cancelled, got %v", s.State())
	}
	if s.CancelCode() != CancelTimeout {
		t.Fatalf("expected m.timeout, got %v", s.CancelCode())
	}
}

// TestHandleStartRejectsUnknownMethod covers spec §4.5: a start proposing
// an unsupported method set is cancelled with m.unknown_method.
func TestHandleStartRejectsUnknownMethod(t *testing.T) {
	var cancelCode string
	transport := &pairTransport{deliver: func(ctx context.Context, eventType string, content map[string]interface{}) error {
		if eventType == "m.key.verification.cancel" {
			cancelCode, _ = content["code"].(string)
		}
		return nil
	}}
	bob := NewIncoming(testLogger(), transport, &fakeKeyLookup{}, "@bob:example.org", "BOBDEVICE", id.Ed25519("x"),
		"@alice:example.org", "ALICEDEVICE", "txn3", time.Now())

	err := bob.HandleStart(context.Background(), map[string]interface{}{
		"method": "m.unknown.v1",
	})
	if err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	if bob.State() != StateCancelled || bob.CancelCode() != CancelUnknownMethod {
		t.Fatalf("expected cancelled/unknown_method, got state=%v code=%v", bob.State(), bob.CancelCode())
	}
	if cancelCode != string(CancelUnknownMethod) {
		t.Fatalf("expected cancel event to carry m.unknown_method, got %q", cancelCode)
	}
}
