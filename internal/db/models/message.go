package models

import (
	"errors"
	"time"

	"github.com/mattn/go-nulltype"
	"gorm.io/gorm"
)

// Message ids increase monotonically and double as stream event ids.
type Message struct {
	ID             uint                `json:"id" gorm:"primaryKey;autoIncrement"`
	ConversationID string              `json:"conversation_id" gorm:"size:36;index;uniqueIndex:idx_message_client_id"`
	SenderID       uint                `json:"sender_id" gorm:"uniqueIndex:idx_message_client_id"`
	Body           string              `json:"body" gorm:"type:text"`
	ClientID       nulltype.NullString `json:"client_id" gorm:"type:varchar(64);uniqueIndex:idx_message_client_id"`
	CreatedAt      time.Time           `json:"created_at"`
}

func (m Message) TableName() string {
	return "messages"
}

// CreateMessage stores a message. A message resent with the same client id
// by the same sender is returned as is, with created set to false.
func CreateMessage(db *gorm.DB, message *Message) (created bool, err error) {
	err = db.Transaction(func(tx *gorm.DB) error {
		if message.ClientID.Valid() {
			var existing Message
			err := tx.Where("conversation_id = ? AND sender_id = ? AND client_id = ?",
				message.ConversationID, message.SenderID, message.ClientID.StringValue()).
				First(&existing).Error
			if err == nil {
				*message = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func FindMessageByID(db *gorm.DB, id uint) (Message, error) {
	var message Message
	err := db.First(&message, id).Error
	return message, err
}

// ListMessagesAfter returns up to limit messages of a conversation with an id
// greater than afterID, oldest first. A limit of 0 means no limit.
func ListMessagesAfter(db *gorm.DB, conversationID string, afterID uint, limit int) ([]Message, error) {
	var messages []Message
	query := db.Where("conversation_id = ? AND id > ?", conversationID, afterID).Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&messages).Error
	return messages, err
}

// LatestMessageID returns the id of the newest message of a conversation,
// or 0 when it has none.
func LatestMessageID(db *gorm.DB, conversationID string) (uint, error) {
	var id uint
	err := db.Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&id).Error
	return id, err
}
