package model

import (
	"time"
)

// Follow 关注关系（A 关注 B），有向边，按 (follower_id, followee_id) 唯一
type Follow struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	FollowerID string `gorm:"type:varchar(36);index:idx_follow_follower;index:idx_follow_pair,unique;not null"`
	FolloweeID string `gorm:"type:varchar(36);not null;index:idx_follow_pair,unique;index:idx_follow_followee"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Follow) TableName() string { return "follows" }
