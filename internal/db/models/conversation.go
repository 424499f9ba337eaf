package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Conversation struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Title       string    `json:"title" gorm:"size:255"`
	CreatedByID uint      `json:"created_by_id" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"-"`
}

func (c Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// CreateConversation stores a conversation and makes its creator and the
// given members participants.
func CreateConversation(db *gorm.DB, title string, creatorID uint, memberIDs ...uint) (Conversation, error) {
	conversation := Conversation{
		Title:       title,
		CreatedByID: creatorID,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		seen := map[uint]bool{}
		for _, userID := range append([]uint{creatorID}, memberIDs...) {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			if err := tx.Create(&ConversationParticipant{
				ConversationID: conversation.ID,
				UserID:         userID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return conversation, err
}

func FindConversationByID(db *gorm.DB, id string) (Conversation, error) {
	var conversation Conversation
	err := db.Where(&Conversation{ID: id}).First(&conversation).Error
	return conversation, err
}

func ListConversationsByUserID(db *gorm.DB, userID uint) ([]Conversation, error) {
	var conversations []Conversation
	err := db.
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID).
		Order("conversations.created_at desc").
		Find(&conversations).Error
	return conversations, err
}
