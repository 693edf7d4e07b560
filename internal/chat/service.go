package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultPageSize is used when a list request omits the limit.
	DefaultPageSize = 50
	// MaxPageSize bounds a single history page.
	MaxPageSize = 200
)

var (
	// ErrConversationNotFound indicates that the conversation does not exist.
	ErrConversationNotFound = errors.New("chat: conversation not found")
	// ErrMessageNotFound indicates that the message does not exist.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrNotParticipant indicates that the acting user is not part of the conversation.
	ErrNotParticipant = errors.New("chat: user is not a participant")
	// ErrSelfConversation indicates an attempt to open a conversation with oneself.
	ErrSelfConversation = errors.New("chat: peer must differ from user")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "chat.service.new"
	opCreateConversation  = "chat.create_conversation"
	opListConversations   = "chat.list_conversations"
	opListMessages        = "chat.list_messages"
	opCreateMessage       = "chat.create_message"
	opEditMessage         = "chat.edit_message"
	opDeleteMessage       = "chat.delete_message"
	opConversationMembers = "chat.participants"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig configures the message service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  EventPublisher
	Logger     *zap.Logger
}

// Service persists conversations and messages and publishes committed changes.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// CreateConversation returns the two-party conversation between userID and
// peerID, creating it on first use. The boolean reports whether it was created.
func (s *Service) CreateConversation(ctx context.Context, userID, peerID messages.UserID) (ConversationView, bool, error) {
	if userID == peerID {
		return ConversationView{}, false, newServiceError(opCreateConversation, "self_conversation", ErrSelfConversation)
	}

	pair := []string{userID.String(), peerID.String()}
	sort.Strings(pair)
	pairKey := strings.Join(pair, "\n")

	var (
		conversation Conversation
		created      bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pair_key = ?", pairKey).Take(&conversation).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreateConversation, "select_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opCreateConversation, "select_failed", err)
		}

		conversationID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateConversation, "id_generation_failed", err)
			return newServiceError(opCreateConversation, "id_generation_failed", err)
		}
		conversation = Conversation{
			ConversationID:  conversationID,
			PairKey:         pairKey,
			CreatedAtMicros: s.clock().UTC().UnixMicro(),
		}
		if err := tx.Create(&conversation).Error; err != nil {
			s.logError(opCreateConversation, "insert_failed", err, zap.String("conversation_id", conversationID))
			return newServiceError(opCreateConversation, "insert_failed", err)
		}
		participants := []Participant{
			{ConversationID: conversationID, UserID: pair[0]},
			{ConversationID: conversationID, UserID: pair[1]},
		}
		if err := tx.Create(&participants).Error; err != nil {
			s.logError(opCreateConversation, "participants_insert_failed", err, zap.String("conversation_id", conversationID))
			return newServiceError(opCreateConversation, "participants_insert_failed", err)
		}
		created = true
		return nil
	})
	if txErr != nil {
		return ConversationView{}, false, txErr
	}

	return ConversationView{
		ID:           messages.ConversationID(conversation.ConversationID),
		Participants: []messages.UserID{messages.UserID(pair[0]), messages.UserID(pair[1])},
		CreatedAt:    time.UnixMicro(conversation.CreatedAtMicros).UTC(),
	}, created, nil
}

// ListConversations returns every conversation userID participates in, newest first.
func (s *Service) ListConversations(ctx context.Context, userID messages.UserID) ([]ConversationView, error) {
	var conversations []Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.conversation_id").
		Where("conversation_participants.user_id = ?", userID.String()).
		Order("conversations.created_at_us DESC").
		Find(&conversations).Error
	if err != nil {
		s.logError(opListConversations, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListConversations, "query_failed", err)
	}

	views := make([]ConversationView, 0, len(conversations))
	for _, conversation := range conversations {
		participants, err := s.Participants(ctx, messages.ConversationID(conversation.ConversationID))
		if err != nil {
			return nil, err
		}
		views = append(views, ConversationView{
			ID:           messages.ConversationID(conversation.ConversationID),
			Participants: participants,
			CreatedAt:    time.UnixMicro(conversation.CreatedAtMicros).UTC(),
		})
	}
	return views, nil
}

// Participants lists the members of a conversation.
func (s *Service) Participants(ctx context.Context, conversationID messages.ConversationID) ([]messages.UserID, error) {
	return participantsOf(s.db.WithContext(ctx), conversationID, func(err error) error {
		s.logError(opConversationMembers, "query_failed", err, zap.String("conversation_id", conversationID.String()))
		return newServiceError(opConversationMembers, "query_failed", err)
	})
}

// ListMessages returns up to limit messages older than before (when positive),
// most recent first. Only participants may read a conversation.
func (s *Service) ListMessages(ctx context.Context, userID messages.UserID, conversationID messages.ConversationID, limit int, before messages.MessageID) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	db := s.db.WithContext(ctx)
	if _, err := s.requireParticipant(db, opListMessages, userID, conversationID); err != nil {
		return Page{}, err
	}

	query := db.Where("conversation_id = ?", conversationID.String())
	if before > 0 {
		query = query.Where("message_id < ?", before.Int64())
	}
	var rows []Message
	if err := query.Order("message_id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("conversation_id", conversationID.String()))
		return Page{}, newServiceError(opListMessages, "query_failed", err)
	}

	page := Page{Messages: make([]messages.Record, 0, limit)}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, row := range rows {
		page.Messages = append(page.Messages, row.Record())
	}
	return page, nil
}

// CreateMessage stores a new message from userID and publishes message.created.
func (s *Service) CreateMessage(ctx context.Context, userID messages.UserID, conversationID messages.ConversationID, content string) (messages.Record, error) {
	if err := messages.ValidateContent(content); err != nil {
		return messages.Record{}, newServiceError(opCreateMessage, "empty_content", err)
	}

	var (
		row        Message
		recipients []messages.UserID
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members, err := s.requireParticipant(tx, opCreateMessage, userID, conversationID)
		if err != nil {
			return err
		}
		recipients = members

		nowMicros := s.clock().UTC().UnixMicro()
		row = Message{
			ConversationID:  conversationID.String(),
			SenderID:        userID.String(),
			Content:         content,
			CreatedAtMicros: nowMicros,
			UpdatedAtMicros: nowMicros,
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opCreateMessage, "insert_failed", err, zap.String("conversation_id", conversationID.String()))
			return newServiceError(opCreateMessage, "insert_failed", err)
		}
		return s.recordChange(tx, opCreateMessage, row.MessageID, userID, OperationTypeCreate, "", nowMicros)
	})
	if txErr != nil {
		return messages.Record{}, txErr
	}

	record := row.Record()
	s.publish(Event{Type: EventMessageCreated, Message: record, Recipients: recipients})
	return record, nil
}

// EditMessage replaces the content of a message sent by userID within the edit window.
func (s *Service) EditMessage(ctx context.Context, userID messages.UserID, messageID messages.MessageID, content string) (messages.Record, error) {
	if err := messages.ValidateContent(content); err != nil {
		return messages.Record{}, newServiceError(opEditMessage, "empty_content", err)
	}
	return s.mutate(ctx, opEditMessage, userID, messageID, OperationTypeEdit, func(row *Message) {
		row.Content = content
		row.IsEdited = true
	})
}

// DeleteMessage tombstones a message sent by userID within the edit window.
func (s *Service) DeleteMessage(ctx context.Context, userID messages.UserID, messageID messages.MessageID) (messages.Record, error) {
	return s.mutate(ctx, opDeleteMessage, userID, messageID, OperationTypeDelete, func(row *Message) {
		row.Content = messages.TombstoneContent
		row.IsDeleted = true
	})
}

func (s *Service) mutate(ctx context.Context, operation string, userID messages.UserID, messageID messages.MessageID, opType OperationType, apply func(*Message)) (messages.Record, error) {
	var (
		row        Message
		recipients []messages.UserID
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ?", messageID.Int64()).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "message_not_found", ErrMessageNotFound)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.Int64("message_id", messageID.Int64()))
			return newServiceError(operation, "select_failed", err)
		}

		now := s.clock().UTC()
		if err := messages.CheckModify(row.Record(), userID, now); err != nil {
			s.loggerOrDefault().Info("message mutation rejected",
				zap.String("operation", operation),
				zap.Int64("message_id", messageID.Int64()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			return newServiceError(operation, "rejected", err)
		}

		members, err := s.requireParticipant(tx, operation, userID, messages.ConversationID(row.ConversationID))
		if err != nil {
			return err
		}
		recipients = members

		previous := row.Content
		apply(&row)
		row.UpdatedAtMicros = now.UnixMicro()
		if err := tx.Save(&row).Error; err != nil {
			s.logError(operation, "save_failed", err, zap.Int64("message_id", messageID.Int64()))
			return newServiceError(operation, "save_failed", err)
		}
		return s.recordChange(tx, operation, row.MessageID, userID, opType, previous, row.UpdatedAtMicros)
	})
	if txErr != nil {
		return messages.Record{}, txErr
	}

	record := row.Record()
	eventType := EventMessageUpdated
	if opType == OperationTypeDelete {
		eventType = EventMessageDeleted
	}
	s.publish(Event{Type: eventType, Message: record, Recipients: recipients})
	return record, nil
}

func (s *Service) requireParticipant(db *gorm.DB, operation string, userID messages.UserID, conversationID messages.ConversationID) ([]messages.UserID, error) {
	members, err := participantsOf(db, conversationID, func(err error) error {
		s.logError(operation, "participants_query_failed", err, zap.String("conversation_id", conversationID.String()))
		return newServiceError(operation, "participants_query_failed", err)
	})
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, newServiceError(operation, "conversation_not_found", ErrConversationNotFound)
	}
	for _, member := range members {
		if member == userID {
			return members, nil
		}
	}
	return nil, newServiceError(operation, "not_participant", ErrNotParticipant)
}

func participantsOf(db *gorm.DB, conversationID messages.ConversationID, wrap func(error) error) ([]messages.UserID, error) {
	var rows []Participant
	if err := db.Where("conversation_id = ?", conversationID.String()).Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, wrap(err)
	}
	members := make([]messages.UserID, 0, len(rows))
	for _, row := range rows {
		members = append(members, messages.UserID(row.UserID))
	}
	return members, nil
}

func (s *Service) recordChange(tx *gorm.DB, operation string, messageID int64, userID messages.UserID, opType OperationType, previous string, appliedAtMicros int64) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	change := MessageChange{
		ChangeID:        changeID,
		MessageID:       messageID,
		UserID:          userID.String(),
		Operation:       opType,
		PreviousContent: previous,
		AppliedAtMicros: appliedAtMicros,
	}
	if err := tx.Create(&change).Error; err != nil {
		s.logError(operation, "audit_insert_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(operation, "audit_insert_failed", err)
	}
	return nil
}

func (s *Service) publish(event Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
