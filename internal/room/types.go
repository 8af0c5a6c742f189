// Package room implements the Room component from SPEC_FULL.md §4.4:
// per-room mutable state (roster, event list, metadata) and the outbound
// send pipeline's FIFO state machine. The send-queue shape is grounded on
// the teacher's internal/bridge/processor.go single-worker task dispatch;
// the membership/state projection follows internal/bridge/event_router.go's
// dispatch-by-event-type structure.
package room

import (
	"time"

	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/directory"
)

// Member is one user's membership state in a room.
type Member struct {
	UserID      string
	DisplayName string
	Membership  string // "join", "invite", "leave", "ban"
}

// Metadata holds the room-level state fields Room.SetData projects
// m.room.* state events into (spec §4.4 "Incoming events").
type Metadata struct {
	Name          string
	Topic         string
	PowerLevels   map[string]int64
	Encrypted     bool
	TombstoneRoom string // replacement room id, set by m.room.tombstone
}

// Event is a room timeline event as held in the in-memory event list. It
// mirrors store.RoomEvent, with the content parsed into a map and a
// TransactionID field.
type Event struct {
	EventUID      string
	SortedID      int64
	Type          string
	Sender        string
	OriginTS      int64
	Content       map[string]interface{}
	TransactionID string
}

// OutgoingMessage is one item in the outbound send queue.
type OutgoingMessage struct {
	TxnID      string
	EventType  string
	Content    map[string]interface{}
	IsFile     bool
	FileData   []byte
	FileName   string
	FileMime   string
	EnqueuedAt time.Time
	resultCh   chan sendResult
}

type sendResult struct {
	EventID string
	Err     error
}

// Transport is the subset of the homeserver client-server API the send
// pipeline and pagination need. mxclient implements it; tests use a fake.
type Transport interface {
	SendEvent(roomID, eventType, txnID string, content map[string]interface{}) (eventID string, err error)
	GetMessages(roomID, from string, limit int) (chunk []Event, start, end string, err error)
	UploadEncryptedFile(data []byte, mimeType string) (mxcURI string, key FileEncryptInfo, err error)
}

// FileEncryptInfo is the AES-CTR key material generated for one encrypted
// attachment upload, in the shape Store.SaveFileEnc persists.
type FileEncryptInfo struct {
	SHA256      string
	IV          string
	AESKey      string
	Algorithm   string
	Version     string
	KeyType     string
	Extractable bool
}

// Deps bundles the cross-component collaborators a Room needs to drive its
// send pipeline (spec §4.4 steps a-d): member list, device keys, one-time
// key claims, and group key distribution.
type Deps struct {
	Engine    *crypto.Engine
	Directory *directory.Directory
	Transport Transport
}
