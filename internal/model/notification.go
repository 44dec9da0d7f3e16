package model

import "time"

// NotificationType 通知类型
type NotificationType string

const (
	NotificationFollow  NotificationType = "FOLLOW"
	NotificationComment NotificationType = "COMMENT"
	NotificationLike    NotificationType = "LIKE"
	NotificationSystem  NotificationType = "SYSTEM"
)

// Notification 通知；(receiver_id, sender_id, type, entity_id) 为自然键，
// 消费端重复投递时依赖该唯一索引保证幂等
type Notification struct {
	ID         string           `gorm:"primaryKey;type:varchar(36)"`
	ReceiverID string           `gorm:"type:varchar(36);not null;index:ux_notification_natural,unique;index:idx_notification_receiver"`
	SenderID   string           `gorm:"type:varchar(36);not null;default:'';index:ux_notification_natural,unique"`
	Type       NotificationType `gorm:"type:varchar(16);not null;index:ux_notification_natural,unique"`
	EntityID   string           `gorm:"type:varchar(64);not null;default:'';index:ux_notification_natural,unique"`
	Title      string           `gorm:"type:varchar(255)"`
	Message    string           `gorm:"type:text"`
	IsRead     bool             `gorm:"not null;default:false"`
	CreatedAt  time.Time
}

func (Notification) TableName() string { return "notifications" }
