package model

import "time"

// Visibility 帖子可见性
type Visibility string

const (
	VisibilityPublic    Visibility = "PUBLIC"
	VisibilityAdvertise Visibility = "ADVERTISE"
	VisibilityPrivate   Visibility = "PRIVATE"
	VisibilityDraft     Visibility = "DRAFT"
)

// Open 对任何在范围内的查看者可见；其余为私有变体，仅作者可见
func (v Visibility) Open() bool {
	return v == VisibilityPublic || v == VisibilityAdvertise
}

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityAdvertise, VisibilityPrivate, VisibilityDraft:
		return true
	}
	return false
}

// OpenVisibilities 查询条件用
var OpenVisibilities = []Visibility{VisibilityPublic, VisibilityAdvertise}

// Post 内容主体
type Post struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)"`
	AuthorID   string     `gorm:"type:varchar(36);index:idx_post_author"`
	Payload    string     `gorm:"type:text"`
	Visibility Visibility `gorm:"type:varchar(16);not null;default:'PUBLIC';index"`
	// Promoted 推广内容，Feed 中排在自然内容之前
	Promoted  bool      `gorm:"not null;default:false;index:idx_post_promoted_created"`
	CreatedAt time.Time `gorm:"index:idx_post_promoted_created"`
	UpdatedAt time.Time
}

func (Post) TableName() string { return "posts" }
