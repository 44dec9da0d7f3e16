package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/social-pipeline/internal/model"
)

type NotificationRepository interface {
	// CreateIfAbsent 依自然键幂等写入；重复投递返回 created=false
	CreateIfAbsent(ctx context.Context, n *model.Notification) (bool, error)
	ListByReceiver(ctx context.Context, receiverID string, offset, limit int) ([]*model.Notification, error)
	CountUnread(ctx context.Context, receiverID string) (int64, error)
	MarkAllRead(ctx context.Context, receiverID string) (int64, error)
	WithTx(tx *gorm.DB) NotificationRepository
}

type notificationRepository struct{ db *gorm.DB }

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) WithTx(tx *gorm.DB) NotificationRepository {
	return &notificationRepository{db: tx}
}

func (r *notificationRepository) CreateIfAbsent(ctx context.Context, n *model.Notification) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "receiver_id"}, {Name: "sender_id"}, {Name: "type"}, {Name: "entity_id"}},
			DoNothing: true,
		}).
		Create(n)
	return res.RowsAffected > 0, res.Error
}

func (r *notificationRepository) ListByReceiver(ctx context.Context, receiverID string, offset, limit int) ([]*model.Notification, error) {
	var res []*model.Notification
	err := r.db.WithContext(ctx).
		Where("receiver_id = ?", receiverID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *notificationRepository) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Count(&cnt).Error
	return cnt, err
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, receiverID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}
