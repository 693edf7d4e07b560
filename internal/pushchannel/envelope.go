package pushchannel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
)

// Envelope types sent by the server.
const (
	TypeConnectionReady = "connection.ready"
	TypeMessageCreated  = "message.created"
	TypeMessageUpdated  = "message.updated"
	TypeMessageDeleted  = "message.deleted"
)

var (
	errMalformedEnvelope = errors.New("pushchannel: malformed envelope")
	errUnknownType       = errors.New("pushchannel: unknown envelope type")
	errMissingMessage    = errors.New("pushchannel: envelope without message")
)

// Envelope is the wire shape of every push frame.
type Envelope struct {
	Type    string           `json:"type"`
	Message *messages.Record `json:"message,omitempty"`
}

// EventKind classifies items delivered on Manager.Events.
type EventKind int

const (
	EventMessageCreated EventKind = iota + 1
	EventMessageUpdated
	EventMessageDeleted
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventMessageCreated:
		return TypeMessageCreated
	case EventMessageUpdated:
		return TypeMessageUpdated
	case EventMessageDeleted:
		return TypeMessageDeleted
	case EventStateChanged:
		return "state.changed"
	default:
		return "unknown"
	}
}

// Event is one item of the inbound queue. Message is set for message kinds;
// State is set for EventStateChanged.
type Event struct {
	Kind    EventKind
	Message messages.Record
	State   State
}

// DecodeEnvelope parses a message frame into an Event. Frames of unknown type
// or without a message payload are rejected.
func DecodeEnvelope(data []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	var kind EventKind
	switch envelope.Type {
	case TypeMessageCreated:
		kind = EventMessageCreated
	case TypeMessageUpdated:
		kind = EventMessageUpdated
	case TypeMessageDeleted:
		kind = EventMessageDeleted
	default:
		return Event{}, fmt.Errorf("%w: %q", errUnknownType, envelope.Type)
	}
	if envelope.Message == nil || envelope.Message.ID <= 0 {
		return Event{}, errMissingMessage
	}
	return Event{Kind: kind, Message: *envelope.Message}, nil
}

func isReadyFrame(data []byte) bool {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Type == TypeConnectionReady
}
