package model

import "time"

// User 用户（注册/鉴权在外部服务，这里只需存在性校验与展示字段）
type User struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Username  string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Email     string `gorm:"type:varchar(128);index"`
	Age       int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
