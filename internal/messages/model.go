package messages

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// TombstoneContent replaces the content of a deleted message.
const TombstoneContent = "This message was deleted."

// TempIDPrefix marks identifiers generated locally for optimistic records.
const TempIDPrefix = "tmp-"

var (
	// ErrInvalidConversationID indicates that a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("messages: invalid conversation id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("messages: invalid user id")
	// ErrInvalidMessageID indicates that a message identifier is not a positive integer.
	ErrInvalidMessageID = errors.New("messages: invalid message id")
	// ErrEmptyContent indicates that message content is empty or whitespace only.
	ErrEmptyContent = errors.New("messages: empty content")
)

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConversationID, maxIdentifierLength)
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// MessageID is the server-assigned message identifier. Zero means unassigned.
type MessageID int64

// ParseMessageID parses a decimal message identifier.
func ParseMessageID(rawInput string) (MessageID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(rawInput), 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, rawInput)
	}
	return MessageID(value), nil
}

// Int64 exposes the raw identifier value.
func (id MessageID) Int64() int64 {
	return int64(id)
}

// String formats the identifier in decimal.
func (id MessageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ValidateContent rejects empty or whitespace-only content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Key identifies a record inside a timeline. Exactly one of ID or TempID is set.
type Key struct {
	ID     MessageID
	TempID string
}

// Record is a single message in a conversation timeline.
type Record struct {
	ID             MessageID      `json:"id"`
	TempID         string         `json:"-"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	IsEdited       bool           `json:"isEdited"`
	IsDeleted      bool           `json:"isDeleted"`
}

// Key returns the confirmed id key, or the temporary key for optimistic records.
func (r Record) Key() Key {
	if r.ID > 0 {
		return Key{ID: r.ID}
	}
	return Key{TempID: r.TempID}
}

// Pending reports whether the record has not been acknowledged by the server.
func (r Record) Pending() bool {
	return r.ID <= 0
}

// Tombstoned returns a copy of the record marked deleted with placeholder content.
func (r Record) Tombstoned() Record {
	r.IsDeleted = true
	r.Content = TombstoneContent
	return r
}

// Less orders records by creation time, then by server id. Pending records sort
// after confirmed records created at the same instant.
func Less(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	aPending, bPending := a.Pending(), b.Pending()
	switch {
	case !aPending && !bPending:
		return a.ID < b.ID
	case aPending && bPending:
		return a.TempID < b.TempID
	default:
		return bPending
	}
}
