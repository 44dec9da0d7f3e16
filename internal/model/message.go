package model

import "time"

// Message 私信
type Message struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	SenderID   string    `gorm:"type:varchar(36);not null;index:idx_msg_pair_created"`
	ReceiverID string    `gorm:"type:varchar(36);not null;index:idx_msg_pair_created;index:idx_msg_unread"`
	Content    string    `gorm:"type:text;not null"`
	IsRead     bool      `gorm:"not null;default:false;index:idx_msg_unread"`
	CreatedAt  time.Time `gorm:"index:idx_msg_pair_created"`
	ReadAt     *time.Time
}

func (Message) TableName() string { return "messages" }
