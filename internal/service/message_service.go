package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/repository"
)

const maxMessageLength = 2000

// MessageDTO 私信对外结构，同时作为实时推送与会话缓存的负载
type MessageDTO struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toMessageDTO(m *model.Message) MessageDTO {
	return MessageDTO{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}

type MessageService interface {
	Send(ctx context.Context, senderID, receiverID, content string) (*MessageDTO, error)
	History(ctx context.Context, userID, peerID string, page, pageSize int) ([]MessageDTO, error)
	// MarkRead 将 peer 发来的未读消息置为已读，返回条数
	MarkRead(ctx context.Context, receiverID, senderID string) (int64, error)
	UnreadFrom(ctx context.Context, receiverID, senderID string) (int64, error)
	UnreadTotal(ctx context.Context, receiverID string) (int64, error)
}

type messageService struct {
	messages  repository.MessageRepository
	users     repository.UserRepository
	store     *cache.Store
	tx        *pipeline.TxManager
	publisher *pipeline.Publisher
	opts      Options
}

func NewMessageService(
	messages repository.MessageRepository,
	users repository.UserRepository,
	store *cache.Store,
	tx *pipeline.TxManager,
	publisher *pipeline.Publisher,
	opts Options,
) MessageService {
	return &messageService{messages: messages, users: users, store: store, tx: tx, publisher: publisher, opts: opts.withDefaults()}
}

func (s *messageService) Send(ctx context.Context, senderID, receiverID, content string) (*MessageDTO, error) {
	content = strings.TrimSpace(content)
	switch {
	case senderID == receiverID:
		return nil, fmt.Errorf("%w: cannot message self", ErrInvalidArgument)
	case content == "":
		return nil, fmt.Errorf("%w: empty content", ErrInvalidArgument)
	case utf8.RuneCountInString(content) > maxMessageLength:
		return nil, fmt.Errorf("%w: content longer than %d", ErrInvalidArgument, maxMessageLength)
	}
	exists, err := s.users.Exists(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, receiverID)
	}

	msg := &model.Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	err = s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := s.messages.WithTx(tx).Create(ctx, msg); err != nil {
			return err
		}
		dto := toMessageDTO(msg)
		s.publisher.RegisterAfterCommit(ctx,
			pipeline.PublishEvent{Event: event.MessageSent{
				MessageID:  msg.ID,
				SenderID:   senderID,
				ReceiverID: receiverID,
				Content:    content,
				Timestamp:  msg.CreatedAt,
			}},
			pipeline.IncrementCounter{Key: cache.UnreadMessagesKey(receiverID, senderID), Delta: 1, TTL: s.opts.CounterTTL},
			pipeline.IncrementCounter{Key: cache.UnreadTotalKey(receiverID), Delta: 1, TTL: s.opts.CounterTTL},
			pipeline.PushListItem{Key: cache.ChatHistoryKey(senderID, receiverID), Item: dto, MaxLen: s.opts.RecentListMax, TTL: s.opts.ListTTL},
			pipeline.RealtimePush{UserID: receiverID, Event: "message", Payload: dto},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(msg)
	return &dto, nil
}

// History 从库读取，带已读状态；最新在前
func (s *messageService) History(ctx context.Context, userID, peerID string, page, pageSize int) ([]MessageDTO, error) {
	_, limit, offset := pageWindow(page, pageSize)
	rows, err := s.messages.ListConversation(ctx, userID, peerID, offset, limit)
	if err != nil {
		return nil, err
	}
	res := make([]MessageDTO, len(rows))
	for i, m := range rows {
		res[i] = toMessageDTO(m)
	}
	return res, nil
}

func (s *messageService) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	var marked int64
	err := s.tx.Do(ctx, func(ctx context.Context, tx *gorm.DB) error {
		n, err := s.messages.WithTx(tx).MarkRead(ctx, receiverID, senderID)
		if err != nil {
			return err
		}
		marked = n
		if n == 0 {
			return nil
		}
		// 单会话计数直接失效，下次读取时回源得到 0
		s.publisher.RegisterAfterCommit(ctx,
			pipeline.CompensateCounter{Key: cache.UnreadTotalKey(receiverID), Delta: n},
			pipeline.EvictKey{Keys: []string{cache.UnreadMessagesKey(receiverID, senderID)}},
		)
		return nil
	})
	return marked, err
}

func (s *messageService) UnreadFrom(ctx context.Context, receiverID, senderID string) (int64, error) {
	return s.store.CounterOrLoad(ctx, cache.UnreadMessagesKey(receiverID, senderID), s.opts.CounterTTL,
		func(ctx context.Context) (int64, error) {
			return s.messages.CountUnread(ctx, receiverID, senderID)
		})
}

func (s *messageService) UnreadTotal(ctx context.Context, receiverID string) (int64, error) {
	return s.store.CounterOrLoad(ctx, cache.UnreadTotalKey(receiverID), s.opts.CounterTTL,
		func(ctx context.Context) (int64, error) {
			return s.messages.CountUnreadTotal(ctx, receiverID)
		})
}
