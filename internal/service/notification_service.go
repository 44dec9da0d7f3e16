package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

type NotificationDTO struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	SenderID  string    `json:"senderId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

func toNotificationDTO(n *model.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		SenderID:  n.SenderID,
		EntityID:  n.EntityID,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

type NotificationService interface {
	// Materialize 消费 notification.send：按自然键幂等落库，首次落库才更新计数与推送
	Materialize(ctx context.Context, e event.NotificationSend) error
	List(ctx context.Context, userID string, page, pageSize int) ([]NotificationDTO, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type notificationService struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	store         *cache.Store
	tx            *pipeline.TxManager
	publisher     *pipeline.Publisher
	opts          Options
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	store *cache.Store,
	tx *pipeline.TxManager,
	publisher *pipeline.Publisher,
	opts Options,
) NotificationService {
	return &notificationService{
		notifications: notifications,
		users:         users,
		store:         store,
		tx:            tx,
		publisher:     publisher,
		opts:          opts.withDefaults(),
	}
}

func (s *notificationService) Materialize(ctx context.Context, e event.NotificationSend) error {
	exists, err := s.users.Exists(ctx, e.UserID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, e.UserID)
	}

	n := &model.Notification{
		ID:         uuid.New().String(),
		ReceiverID: e.UserID,
		SenderID:   e.SenderID,
		Type:       model.NotificationType(e.Type),
		EntityID:   naturalEntityID(e),
		Title:      e.Title,
		Message:    e.Message,
		CreatedAt:  e.Timestamp,
	}
	return s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		created, err := s.notifications.WithTx(tx).CreateIfAbsent(ctx, n)
		if err != nil || !created {
			return err
		}
		dto := toNotificationDTO(n)
		s.publisher.RegisterAfterCommit(ctx,
			pipeline.IncrementCounter{Key: cache.NotificationUnreadKey(e.UserID), Delta: 1, TTL: s.opts.CounterTTL},
			pipeline.PushListItem{Key: cache.NotificationsRecentKey(e.UserID), Item: dto, MaxLen: s.opts.RecentListMax, TTL: s.opts.ListTTL},
			pipeline.RealtimePush{UserID: e.UserID, Event: "notification", Payload: dto},
		)
		return nil
	})
}

// naturalEntityID 没有发送者和实体的通知以事件内容作为实体键，
// 同一事件重投得到同一键，不同事件互不覆盖
func naturalEntityID(e event.NotificationSend) string {
	if e.EntityID != "" || e.SenderID != "" {
		return e.EntityID
	}
	h := sha256.New()
	for _, part := range []string{e.Type, e.Title, e.Message, strconv.FormatInt(e.Timestamp.UnixNano(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "evt:" + hex.EncodeToString(h.Sum(nil))[:40]
}

func (s *notificationService) List(ctx context.Context, userID string, page, pageSize int) ([]NotificationDTO, error) {
	_, limit, offset := pageWindow(page, pageSize)
	rows, err := s.notifications.ListByReceiver(ctx, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	res := make([]NotificationDTO, len(rows))
	for i, n := range rows {
		res[i] = toNotificationDTO(n)
	}
	return res, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.CounterOrLoad(ctx, cache.NotificationUnreadKey(userID), s.opts.CounterTTL,
		func(ctx context.Context) (int64, error) {
			return s.notifications.CountUnread(ctx, userID)
		})
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	var updated int64
	err := s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		n, err := s.notifications.WithTx(tx).MarkAllRead(ctx, userID)
		if err != nil {
			return err
		}
		updated = n
		if n > 0 {
			s.publisher.RegisterAfterCommit(ctx, pipeline.EvictKey{Keys: []string{cache.NotificationUnreadKey(userID)}})
		}
		return nil
	})
	return updated, err
}
