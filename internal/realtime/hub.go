// Package realtime 按用户维度的实时推送，不保证送达。
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// Frame 推送给客户端的一帧
type Frame struct {
	Event string
	Data  []byte
}

// Conn 一个在线连接；Frames 在取消订阅后关闭
type Conn struct {
	id     uint64
	userID string
	frames chan Frame
}

func (c *Conn) Frames() <-chan Frame { return c.frames }

type Hub struct {
	bufferSize int

	mu     sync.RWMutex
	conns  map[string]map[uint64]*Conn
	nextID atomic.Uint64

	dropped atomic.Int64
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{bufferSize: bufferSize, conns: make(map[string]map[uint64]*Conn)}
}

// Subscribe 注册连接，返回的 cancel 幂等
func (h *Hub) Subscribe(userID string) (*Conn, func()) {
	c := &Conn{id: h.nextID.Add(1), userID: userID, frames: make(chan Frame, h.bufferSize)}
	h.mu.Lock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[uint64]*Conn)
	}
	h.conns[userID][c.id] = c
	h.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.conns[userID], c.id)
			if len(h.conns[userID]) == 0 {
				delete(h.conns, userID)
			}
			close(c.frames)
			h.mu.Unlock()
		})
	}
}

// PushToUser 用户不在线时为空操作；连接缓冲满时丢弃该帧
func (h *Hub) PushToUser(ctx context.Context, userID, event string, payload any) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.conns[userID]
	if len(conns) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f := Frame{Event: event, Data: data}
	for _, c := range conns {
		select {
		case c.frames <- f:
		default:
			h.dropped.Add(1)
			logger.Ctx(ctx).Debug("realtime frame dropped, slow connection",
				zap.String("user_id", userID), zap.String("event", event))
		}
	}
	return nil
}

// Online 当前在线连接数
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
