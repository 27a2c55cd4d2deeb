// Package singer implements the Singer message protocol: RECORD, SCHEMA,
// and STATE messages emitted as line-delimited JSON.
//
// The message stream is the tap's only data interface. Downstream targets
// consume it from stdout, so nothing else in the process may write there.
package singer

import (
	"time"
)

// MessageType discriminates stream messages.
type MessageType string

const (
	TypeRecord MessageType = "RECORD"
	TypeSchema MessageType = "SCHEMA"
	TypeState  MessageType = "STATE"
)

// Message is implemented by the three stream message kinds.
type Message interface {
	messageType() MessageType
}

// RecordMessage carries one source row.
type RecordMessage struct {
	Type          MessageType            `json:"type"`
	Stream        string                 `json:"stream"`
	Record        map[string]interface{} `json:"record"`
	TimeExtracted string                 `json:"time_extracted,omitempty"`
}

func (RecordMessage) messageType() MessageType { return TypeRecord }

// NewRecord builds a RECORD message stamped with the extraction time.
func NewRecord(stream string, record map[string]interface{}, extractedAt time.Time) RecordMessage {
	return RecordMessage{
		Type:          TypeRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: FormatTime(extractedAt),
	}
}

// SchemaMessage announces a stream's JSON schema. It precedes the first
// record of the stream.
type SchemaMessage struct {
	Type               MessageType `json:"type"`
	Stream             string      `json:"stream"`
	Schema             interface{} `json:"schema"`
	KeyProperties      []string    `json:"key_properties"`
	BookmarkProperties []string    `json:"bookmark_properties,omitempty"`
}

func (SchemaMessage) messageType() MessageType { return TypeSchema }

// NewSchema builds a SCHEMA message. keyProperties may be empty but is
// always serialized.
func NewSchema(stream string, schema interface{}, keyProperties, bookmarkProperties []string) SchemaMessage {
	if keyProperties == nil {
		keyProperties = []string{}
	}
	return SchemaMessage{
		Type:               TypeSchema,
		Stream:             stream,
		Schema:             schema,
		KeyProperties:      keyProperties,
		BookmarkProperties: bookmarkProperties,
	}
}

// StateMessage snapshots sync progress for the next run.
type StateMessage struct {
	Type  MessageType `json:"type"`
	Value interface{} `json:"value"`
}

func (StateMessage) messageType() MessageType { return TypeState }

// NewState builds a STATE message around a state snapshot.
func NewState(value interface{}) StateMessage {
	return StateMessage{Type: TypeState, Value: value}
}

// FormatTime renders a timestamp the way targets expect: UTC with
// microsecond precision and a Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
