package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"time"
)

const (
	columnOwnerID        = "owner_id"
	columnConversationID = "conversation_id"
	columnMessageID      = "message_id"
	columnCurrent        = "is_current"
	columnPosition       = "position"
	columnUpdatedAt      = "updated_at"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDuplicateKey         = errors.New("message ID already addresses a conversation")
)

type Role string

const (
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
	RoleSystem    Role = openai.ChatMessageRoleSystem
)

// Conversation is a persisted chat history. ID is stable for the life of
// the conversation. The bot message that currently addresses it is
// tracked in ConversationMessageID, and is exposed on loaded records as
// CurrentMessageID.
type Conversation struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ModelUnixTime

	// Discord user ID of whoever started the conversation
	OwnerID string `gorm:"index;not null" json:"owner_id"`

	// Display name of the owner at creation time
	OwnerLabel string `json:"owner_label"`

	// Raw conversations never get the context prompt prepended
	Raw bool `gorm:"not null;default:false" json:"raw"`

	Turns      []ConversationTurn      `gorm:"constraint:OnDelete:CASCADE" json:"turns,omitempty"`
	MessageIDs []ConversationMessageID `gorm:"constraint:OnDelete:CASCADE" json:"message_ids,omitempty"`

	CurrentMessageID string `gorm:"-" json:"current_message_id,omitempty"`
}

// ConversationTurn is a single message in a conversation. Turns are
// never updated once written.
type ConversationTurn struct {
	ModelUintID
	CreatedAt      int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	ConversationID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_conversation_turn_position,priority:1" json:"conversation_id"`
	Position       int    `gorm:"not null;uniqueIndex:idx_conversation_turn_position,priority:2" json:"position"`
	SpeakerLabel   string `json:"speaker_label"`
	Role           Role   `gorm:"type:varchar(16);not null" json:"role"`
	Content        string `gorm:"not null" json:"content"`
}

// ChatMessage returns the turn as a completion request message
func (t ConversationTurn) ChatMessage() openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:    string(t.Role),
		Content: t.Content,
	}
}

// ConversationMessageID maps a bot message ID to the conversation it
// belongs to. Only the row flagged Current resolves on Load; older rows
// are kept for the admin API and audit.
type ConversationMessageID struct {
	MessageID      string `gorm:"primaryKey" json:"message_id"`
	CreatedAt      int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	ConversationID string `gorm:"type:varchar(36);not null;index" json:"conversation_id"`
	Current        bool   `gorm:"column:is_current;not null;default:false;index" json:"current"`
}

// ConversationStore persists conversations and resolves them by the ID
// of the latest bot message in the conversation.
type ConversationStore interface {
	// Load returns the conversation currently addressed by messageID,
	// or ErrConversationNotFound.
	Load(ctx context.Context, messageID string) (*Conversation, error)

	// Create inserts a new conversation addressed by messageID. It fails
	// with ErrDuplicateKey if messageID is already in use.
	Create(
		ctx context.Context,
		ownerID string,
		ownerLabel string,
		turns []ConversationTurn,
		messageID string,
		raw bool,
	) (*Conversation, error)

	// AppendAndRekey appends turns to the conversation addressed by
	// oldMessageID and moves its address to newMessageID, in one
	// transaction.
	AppendAndRekey(
		ctx context.Context,
		oldMessageID string,
		turns []ConversationTurn,
		newMessageID string,
	) error

	ClearOwner(ctx context.Context, ownerID string) (int64, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Conversation, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// gormConversationStore is the ConversationStore backed by sqlite or postgres
type gormConversationStore struct {
	db DBI
}

func NewConversationStore(db DBI) ConversationStore {
	return &gormConversationStore{db: db}
}

func (s *gormConversationStore) Load(ctx context.Context, messageID string) (
	*Conversation,
	error,
) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var idx ConversationMessageID
	err := s.db.DB().WithContext(ctx).
		Where(columnMessageID+" = ? AND "+columnCurrent+" = ?", messageID, true).
		Take(&idx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("error loading conversation index: %w", err)
	}

	conv, err := s.Get(ctx, idx.ConversationID)
	if err != nil {
		return nil, err
	}
	conv.CurrentMessageID = idx.MessageID
	return conv, nil
}

func (s *gormConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var conv Conversation
	err := s.db.DB().WithContext(ctx).
		Preload("Turns", func(db *gorm.DB) *gorm.DB {
			return db.Order(columnPosition)
		}).
		Preload("MessageIDs").
		Take(&conv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("error loading conversation: %w", err)
	}
	for _, m := range conv.MessageIDs {
		if m.Current {
			conv.CurrentMessageID = m.MessageID
			break
		}
	}
	return &conv, nil
}

func (s *gormConversationStore) Create(
	ctx context.Context,
	ownerID string,
	ownerLabel string,
	turns []ConversationTurn,
	messageID string,
	raw bool,
) (*Conversation, error) {
	if messageID == "" {
		return nil, errors.New("message ID required")
	}
	conv := &Conversation{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		OwnerLabel:       ownerLabel,
		Raw:              raw,
		CurrentMessageID: messageID,
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureMessageIDUnused(tx, messageID); err != nil {
				return err
			}
			if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
				return err
			}
			if len(turns) > 0 {
				conv.Turns = numberTurns(conv.ID, 0, turns)
				if err := tx.Create(&conv.Turns).Error; err != nil {
					return err
				}
			}
			idx := ConversationMessageID{
				MessageID:      messageID,
				ConversationID: conv.ID,
				Current:        true,
			}
			if err := tx.Create(&idx).Error; err != nil {
				return translateDuplicate(err)
			}
			conv.MessageIDs = []ConversationMessageID{idx}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *gormConversationStore) AppendAndRekey(
	ctx context.Context,
	oldMessageID string,
	turns []ConversationTurn,
	newMessageID string,
) error {
	if newMessageID == "" {
		return errors.New("new message ID required")
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var idx ConversationMessageID
			err := tx.Where(
				columnMessageID+" = ? AND "+columnCurrent+" = ?",
				oldMessageID, true,
			).Take(&idx).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrConversationNotFound
				}
				return err
			}
			if err = ensureMessageIDUnused(tx, newMessageID); err != nil {
				return err
			}

			var count int64
			err = tx.Model(&ConversationTurn{}).
				Where(columnConversationID+" = ?", idx.ConversationID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if len(turns) > 0 {
				numbered := numberTurns(idx.ConversationID, int(count), turns)
				if err = tx.Create(&numbered).Error; err != nil {
					return err
				}
			}

			err = tx.Model(&ConversationMessageID{}).
				Where(columnMessageID+" = ?", oldMessageID).
				Update(columnCurrent, false).Error
			if err != nil {
				return err
			}
			err = tx.Create(
				&ConversationMessageID{
					MessageID:      newMessageID,
					ConversationID: idx.ConversationID,
					Current:        true,
				},
			).Error
			if err != nil {
				return translateDuplicate(err)
			}
			return tx.Model(&Conversation{ID: idx.ConversationID}).
				Update(columnUpdatedAt, time.Now().UnixMilli()).Error
		},
	)
}

func (s *gormConversationStore) ClearOwner(ctx context.Context, ownerID string) (
	int64,
	error,
) {
	var deleted int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) (err error) {
			deleted, err = deleteConversations(tx, columnOwnerID+" = ?", ownerID)
			return err
		},
	)
	return deleted, err
}

func (s *gormConversationStore) ListByOwner(
	ctx context.Context,
	ownerID string,
) ([]Conversation, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var convs []Conversation
	err := s.db.DB().WithContext(ctx).
		Preload("MessageIDs", columnCurrent+" = ?", true).
		Where(columnOwnerID+" = ?", ownerID).
		Order(columnUpdatedAt + " desc").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	for i := range convs {
		if len(convs[i].MessageIDs) > 0 {
			convs[i].CurrentMessageID = convs[i].MessageIDs[0].MessageID
		}
	}
	return convs, nil
}

// PruneBefore deletes conversations last updated before cutoff
func (s *gormConversationStore) PruneBefore(ctx context.Context, cutoff time.Time) (
	int64,
	error,
) {
	var deleted int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) (err error) {
			deleted, err = deleteConversations(
				tx,
				columnUpdatedAt+" < ?",
				cutoff.UnixMilli(),
			)
			return err
		},
	)
	return deleted, err
}

// deleteConversations removes the conversations matching the query along
// with their turns and message IDs. Children are removed explicitly,
// since sqlite only cascades when foreign keys are enabled on the
// connection.
func deleteConversations(tx *gorm.DB, query string, args ...any) (int64, error) {
	var matched []string
	err := tx.Model(&Conversation{}).Where(query, args...).Pluck("id", &matched).Error
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}
	err = tx.Where(columnConversationID+" IN ?", matched).Delete(&ConversationTurn{}).Error
	if err != nil {
		return 0, err
	}
	err = tx.Where(columnConversationID+" IN ?", matched).
		Delete(&ConversationMessageID{}).Error
	if err != nil {
		return 0, err
	}
	rv := tx.Where("id IN ?", matched).Delete(&Conversation{})
	return rv.RowsAffected, rv.Error
}

func ensureMessageIDUnused(tx *gorm.DB, messageID string) error {
	var count int64
	err := tx.Model(&ConversationMessageID{}).
		Where(columnMessageID+" = ?", messageID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, messageID)
	}
	return nil
}

func translateDuplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	}
	return err
}

// numberTurns copies turns, assigning the conversation ID and positions
// starting at offset
func numberTurns(conversationID string, offset int, turns []ConversationTurn) []ConversationTurn {
	numbered := make([]ConversationTurn, len(turns))
	for i, t := range turns {
		numbered[i] = ConversationTurn{
			ConversationID: conversationID,
			Position:       offset + i,
			SpeakerLabel:   t.SpeakerLabel,
			Role:           t.Role,
			Content:        t.Content,
		}
	}
	return numbered
}
