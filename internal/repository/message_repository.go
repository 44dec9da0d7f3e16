package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) error
	// ListConversation 双方会话，最新在前
	ListConversation(ctx context.Context, userA, userB string, offset, limit int) ([]*model.Message, error)
	CountUnread(ctx context.Context, receiverID, senderID string) (int64, error)
	CountUnreadTotal(ctx context.Context, receiverID string) (int64, error)
	// MarkRead 把 sender -> receiver 的未读消息置为已读，返回受影响条数
	MarkRead(ctx context.Context, receiverID, senderID string) (int64, error)
	WithTx(tx *gorm.DB) MessageRepository
}

type messageRepository struct{ db *gorm.DB }

func NewMessageRepository(db *gorm.DB) MessageRepository { return &messageRepository{db: db} }

func (r *messageRepository) WithTx(tx *gorm.DB) MessageRepository { return &messageRepository{db: tx} }

func (r *messageRepository) Create(ctx context.Context, m *model.Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *messageRepository) ListConversation(ctx context.Context, userA, userB string, offset, limit int) ([]*model.Message, error) {
	var res []*model.Message
	err := r.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *messageRepository) CountUnread(ctx context.Context, receiverID, senderID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND is_read = ?", receiverID, senderID, false).
		Count(&cnt).Error
	return cnt, err
}

func (r *messageRepository) CountUnreadTotal(ctx context.Context, receiverID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Count(&cnt).Error
	return cnt, err
}

func (r *messageRepository) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND is_read = ?", receiverID, senderID, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	return res.RowsAffected, res.Error
}
