package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account known to the relay.
type User struct {
	ID          string `gorm:"primaryKey" json:"id"`
	DisplayName string `gorm:"not null" json:"displayName"`
	LastSeen    time.Time
}

// BeforeCreate assigns a UUID when the caller did not provide an id.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}
