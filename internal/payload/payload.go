// Package payload decodes push-topic records and classifies what each
// recipient receives.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("payload: malformed")
	ErrUnknownKind = errors.New("payload: unknown kind")
)

// Kind names a payload variant
type Kind string

const (
	KindEvent   Kind = "event"
	KindMessage Kind = "message"
)

// Message types written to clients
const (
	MessageTypeSelfInfoUpdate     = "self-info-update"
	MessageTypeRelationInfoUpdate = "relation-info-update"
	MessageTypeMessage            = "message"
)

// Payload is one push-topic record value. Exactly one variant is set,
// matching Kind.
type Payload struct {
	Kind    Kind     `json:"kind"`
	Event   *Event   `json:"event,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Event is a state change of OriginUserID fanned out to ReceiveList
type Event struct {
	OriginUserID int64           `json:"originUserId"`
	ReceiveList  []int64         `json:"receiveList"`
	Type         string          `json:"type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Message is a chat message. Its recipients are resolved elsewhere, so it
// carries none here.
type Message struct {
	SenderID       int64           `json:"senderId"`
	ConversationID string          `json:"conversationId"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// Decode parses a record value
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch p.Kind {
	case KindEvent:
		if p.Event == nil {
			return nil, fmt.Errorf("%w: event payload without event body", ErrMalformed)
		}
	case KindMessage:
		if p.Message == nil {
			return nil, fmt.Errorf("%w: message payload without message body", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}

	return &p, nil
}

// Recipients returns the user ids to resolve, de-duplicated in first-seen
// order. Only events carry recipients.
func (p *Payload) Recipients() []int64 {
	if p.Kind != KindEvent || p.Event == nil {
		return nil
	}

	seen := make(map[int64]struct{}, len(p.Event.ReceiveList))
	ids := make([]int64, 0, len(p.Event.ReceiveList))
	for _, id := range p.Event.ReceiveList {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// MessageTypeFor returns the message type recipientUserID receives
func (p *Payload) MessageTypeFor(recipientUserID int64) string {
	if p.Kind == KindEvent && p.Event != nil {
		return ResolveMessageType(p.Event.OriginUserID, recipientUserID)
	}
	return MessageTypeMessage
}

// ResolveMessageType classifies an event push: the originating user gets a
// self update, everyone else a relation update.
func ResolveMessageType(originUserID, recipientUserID int64) string {
	if originUserID == recipientUserID {
		return MessageTypeSelfInfoUpdate
	}
	return MessageTypeRelationInfoUpdate
}

// Notification is the frame written to a client socket. It is not wrapped
// in the client envelope.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeNotification serializes a notification frame
func EncodeNotification(messageType string, raw []byte) ([]byte, error) {
	data, err := json.Marshal(Notification{Type: messageType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("payload: encode notification: %w", err)
	}
	return data, nil
}
