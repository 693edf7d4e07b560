package messages

import (
	"errors"
	"time"
)

// EditWindow bounds how long after creation a sender may edit or delete a message.
const EditWindow = 24 * time.Hour

var (
	// ErrNotSender indicates that the acting user did not send the message.
	ErrNotSender = errors.New("messages: acting user is not the sender")
	// ErrAlreadyDeleted indicates that the message is a tombstone.
	ErrAlreadyDeleted = errors.New("messages: message already deleted")
	// ErrEditWindowExpired indicates that the edit window has elapsed.
	ErrEditWindowExpired = errors.New("messages: edit window expired")
	// ErrPendingMessage indicates that the message has no server id yet.
	ErrPendingMessage = errors.New("messages: message not yet confirmed")
)

// CheckModify reports why actingUser may not edit or delete the record at now.
// createdAt is authoritative; exactly EditWindow elapsed is already too late.
func CheckModify(record Record, actingUser UserID, now time.Time) error {
	if record.SenderID != actingUser {
		return ErrNotSender
	}
	if record.IsDeleted {
		return ErrAlreadyDeleted
	}
	if record.Pending() {
		return ErrPendingMessage
	}
	if now.Sub(record.CreatedAt) >= EditWindow {
		return ErrEditWindowExpired
	}
	return nil
}

// CanModify reports whether actingUser may still edit or delete the record at now.
func CanModify(record Record, actingUser UserID, now time.Time) bool {
	return CheckModify(record, actingUser, now) == nil
}
