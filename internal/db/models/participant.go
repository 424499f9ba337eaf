package models

import (
	"gorm.io/gorm"
)

type ConversationParticipant struct {
	ID             uint   `json:"-" gorm:"primaryKey" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required" gorm:"size:36;uniqueIndex:idx_conversation_participant"`
	UserID         uint   `json:"user_id" binding:"required" gorm:"uniqueIndex:idx_conversation_participant"`
}

func (p ConversationParticipant) TableName() string {
	return "conversation_participants"
}

func IsParticipant(db *gorm.DB, conversationID string, userID uint) (bool, error) {
	var count int64
	err := db.Model(&ConversationParticipant{}).
		Where(&ConversationParticipant{ConversationID: conversationID, UserID: userID}).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func AddParticipant(db *gorm.DB, conversationID string, userID uint) error {
	participant := ConversationParticipant{ConversationID: conversationID, UserID: userID}
	return db.Where(&participant).FirstOrCreate(&participant).Error
}

func ListParticipants(db *gorm.DB, conversationID string) ([]ConversationParticipant, error) {
	var participants []ConversationParticipant
	err := db.Where(&ConversationParticipant{ConversationID: conversationID}).Order("user_id asc").Find(&participants).Error
	return participants, err
}
