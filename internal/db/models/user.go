package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `json:"id" gorm:"primaryKey" binding:"required"`
	Name      string         `json:"name" gorm:"uniqueIndex;size:255" binding:"required"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (u User) TableName() string {
	return "users"
}

func UserIDExists(db *gorm.DB, id uint) (bool, error) {
	var count int64
	err := db.Model(&User{}).Where(&User{ID: id}).Limit(1).Count(&count).Error
	return count > 0, err
}

func FindUserByID(db *gorm.DB, id uint) (User, error) {
	var user User
	err := db.First(&user, id).Error
	return user, err
}

func FindUserByName(db *gorm.DB, name string) (User, error) {
	var user User
	err := db.Where(&User{Name: name}).First(&user).Error
	return user, err
}

// FindOrCreateUser returns the user called name, creating it when missing.
func FindOrCreateUser(db *gorm.DB, name string) (User, error) {
	user := User{Name: name}
	err := db.Where(&User{Name: name}).FirstOrCreate(&user).Error
	return user, err
}

func ListUsers(db *gorm.DB) ([]User, error) {
	var users []User
	err := db.Order("id asc").Find(&users).Error
	return users, err
}
