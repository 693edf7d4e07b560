package chat

import (
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
)

// OperationType enumerates audited message operations.
type OperationType string

const (
	OperationTypeCreate OperationType = "create"
	OperationTypeEdit   OperationType = "edit"
	OperationTypeDelete OperationType = "delete"
)

// Conversation is a two-party conversation.
type Conversation struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	PairKey         string `gorm:"column:pair_key;size:400;not null;uniqueIndex"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Participant links a user to a conversation.
type Participant struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_participants_user"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "conversation_participants"
}

// Message is the persisted message row. MessageID is assigned by the database
// and increases monotonically.
type Message struct {
	MessageID       int64  `gorm:"column:message_id;primaryKey;autoIncrement"`
	ConversationID  string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID        string `gorm:"column:sender_id;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index:idx_messages_conversation_created,priority:2"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null"`
	IsEdited        bool   `gorm:"column:is_edited;not null;default:false"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Record converts the row to its wire representation.
func (m Message) Record() messages.Record {
	return messages.Record{
		ID:             messages.MessageID(m.MessageID),
		ConversationID: messages.ConversationID(m.ConversationID),
		SenderID:       messages.UserID(m.SenderID),
		Content:        m.Content,
		CreatedAt:      time.UnixMicro(m.CreatedAtMicros).UTC(),
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
	}
}

// MessageChange is the append-only audit trail of message mutations.
type MessageChange struct {
	ChangeID        string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	MessageID       int64         `gorm:"column:message_id;not null;index:idx_message_changes_message"`
	UserID          string        `gorm:"column:user_id;size:190;not null"`
	Operation       OperationType `gorm:"column:op;size:16;not null"`
	PreviousContent string        `gorm:"column:previous_content;type:text;not null;default:''"`
	AppliedAtMicros int64         `gorm:"column:applied_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageChange) TableName() string {
	return "message_changes"
}

// ConversationView is the API representation of a conversation.
type ConversationView struct {
	ID           messages.ConversationID `json:"id"`
	Participants []messages.UserID       `json:"participants"`
	CreatedAt    time.Time               `json:"createdAt"`
}

// Page is one slice of history, most recent first.
type Page struct {
	Messages []messages.Record `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// EventType classifies published message events.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
)

// Event is a committed message mutation addressed to the conversation's participants.
type Event struct {
	Type       EventType
	Message    messages.Record
	Recipients []messages.UserID
}

// EventPublisher fans committed events out to connected clients.
type EventPublisher interface {
	Publish(event Event)
}
