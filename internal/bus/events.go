// Change events and their wire encoding.

package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a change event.
type EventType string

// Event types.
const (
	TypeFileAdded        EventType = "FILE_ADDED"
	TypeFileUpdated      EventType = "FILE_UPDATED"
	TypeFileDeleted      EventType = "FILE_DELETED"
	TypeOffloaded        EventType = "OFFLOADED"
	TypeArchiveAdded     EventType = "ARCHIVE_ADDED"
	TypeArchiveRemoved   EventType = "ARCHIVE_REMOVED"
	TypeRagUpsert        EventType = "RAG_UPSERT"
	TypeRagRebuilt       EventType = "RAG_REBUILT"
	TypeCorruptionFound  EventType = "CORRUPTION_FOUND"
	TypeCorruptionPurged EventType = "CORRUPTION_PURGED"
	TypeAdapterChanged   EventType = "ADAPTER_CHANGED"
	TypeAdapterDeleted   EventType = "ADAPTER_DELETED"
	TypeAdapterPurged    EventType = "ADAPTER_PURGED"
	TypeAdapterEvent     EventType = "ADAPTER_EVENT"
)

// Event is one change notification. The concrete types below carry the
// minimal fields needed to re-query authoritative state.
type Event interface {
	Type() EventType
}

// FileAdded is emitted when an artifact is inserted or overwritten.
type FileAdded struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
	SlotID  int    `json:"slotId"`
}

// FileUpdated is emitted on a partial mutation of one artifact.
type FileUpdated struct {
	ID    string `json:"id"`
	Field string `json:"field"`
}

// FileDeleted is emitted when an artifact is removed.
type FileDeleted struct {
	ID string `json:"id"`
}

// Offloaded is emitted when an artifact's content moved to cold storage.
type Offloaded struct {
	ID        string `json:"id"`
	ArchiveID string `json:"archiveId"`
}

// ArchiveAdded is emitted when a cold archive was written.
type ArchiveAdded struct {
	ID string `json:"id"`
}

// ArchiveRemoved is emitted when a cold archive was deleted.
type ArchiveRemoved struct {
	ID string `json:"id"`
}

// RagUpsert is emitted when a vector row was created or merged.
type RagUpsert struct {
	Signature string `json:"signature"`
	FileID    string `json:"fileId,omitempty"`
}

// RagRebuilt is emitted when vector rows were deleted or rebuilt in bulk.
type RagRebuilt struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// CorruptionFound is emitted once per scan finding.
type CorruptionFound struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Corrupt bool   `json:"corrupt"`
}

// CorruptionPurged is emitted when quarantined artifacts were deleted.
type CorruptionPurged struct {
	Signature string   `json:"signature,omitempty"`
	IDs       []string `json:"ids"`
}

// AdapterChanged is emitted when a file was written through the adapter.
type AdapterChanged struct {
	PathPrefix string `json:"pathPrefix"`
	ID         string `json:"id"`
}

// AdapterDeleted is emitted when a file was deleted through the adapter.
type AdapterDeleted struct {
	ID string `json:"id"`
}

// AdapterPurged is emitted when a path prefix was purged.
type AdapterPurged struct {
	PathPrefix string `json:"pathPrefix"`
	Count      int    `json:"count"`
}

// AdapterEvent is emitted when an audit event was appended.
type AdapterEvent struct {
	PathPrefix string `json:"pathPrefix"`
	ID         string `json:"id"`
}

func (FileAdded) Type() EventType        { return TypeFileAdded }
func (FileUpdated) Type() EventType      { return TypeFileUpdated }
func (FileDeleted) Type() EventType      { return TypeFileDeleted }
func (Offloaded) Type() EventType        { return TypeOffloaded }
func (ArchiveAdded) Type() EventType     { return TypeArchiveAdded }
func (ArchiveRemoved) Type() EventType   { return TypeArchiveRemoved }
func (RagUpsert) Type() EventType        { return TypeRagUpsert }
func (RagRebuilt) Type() EventType       { return TypeRagRebuilt }
func (CorruptionFound) Type() EventType  { return TypeCorruptionFound }
func (CorruptionPurged) Type() EventType { return TypeCorruptionPurged }
func (AdapterChanged) Type() EventType   { return TypeAdapterChanged }
func (AdapterDeleted) Type() EventType   { return TypeAdapterDeleted }
func (AdapterPurged) Type() EventType    { return TypeAdapterPurged }
func (AdapterEvent) Type() EventType     { return TypeAdapterEvent }

// Message is an event as seen by subscribers.
type Message struct {
	At     time.Time
	Origin string
	Change Event
}

type envelope struct {
	At     time.Time       `json:"at"`
	Origin string          `json:"origin"`
	Type   EventType       `json:"type"`
	Change json.RawMessage `json:"change"`
}

// Encode serializes m for a cross-process transport.
func Encode(m Message) ([]byte, error) {
	change, err := json.Marshal(m.Change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Change.Type(), err)
	}
	return json.Marshal(&envelope{At: m.At, Origin: m.Origin, Type: m.Change.Type(), Change: change})
}

var decoders = map[EventType]func(json.RawMessage) (Event, error){
	TypeFileAdded:        decodeAs[FileAdded],
	TypeFileUpdated:      decodeAs[FileUpdated],
	TypeFileDeleted:      decodeAs[FileDeleted],
	TypeOffloaded:        decodeAs[Offloaded],
	TypeArchiveAdded:     decodeAs[ArchiveAdded],
	TypeArchiveRemoved:   decodeAs[ArchiveRemoved],
	TypeRagUpsert:        decodeAs[RagUpsert],
	TypeRagRebuilt:       decodeAs[RagRebuilt],
	TypeCorruptionFound:  decodeAs[CorruptionFound],
	TypeCorruptionPurged: decodeAs[CorruptionPurged],
	TypeAdapterChanged:   decodeAs[AdapterChanged],
	TypeAdapterDeleted:   decodeAs[AdapterDeleted],
	TypeAdapterPurged:    decodeAs[AdapterPurged],
	TypeAdapterEvent:     decodeAs[AdapterEvent],
}

func decodeAs[E Event](data json.RawMessage) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// Decode parses a message produced by [Encode].
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return Message{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	e, err := dec(env.Change)
	if err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
	}
	return Message{At: env.At, Origin: env.Origin, Change: e}, nil
}
