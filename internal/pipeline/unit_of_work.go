package pipeline

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
)

var ErrNotActive = errors.New("unit of work is not active")

type uowState int

const (
	stateActive uowState = iota
	stateCommitted
	stateRolledBack
)

// UnitOfWork 事务范围内登记的副作用，提交时按登记顺序交付一次，回滚时丢弃
type UnitOfWork struct {
	mu      sync.Mutex
	state   uowState
	effects []Effect
}

// OnCommit 事务已结束时返回 ErrNotActive
func (u *UnitOfWork) OnCommit(effects ...Effect) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateActive {
		return ErrNotActive
	}
	u.effects = append(u.effects, effects...)
	return nil
}

func (u *UnitOfWork) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == stateActive
}

func (u *UnitOfWork) commit() []Effect {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateActive {
		return nil
	}
	u.state = stateCommitted
	effects := u.effects
	u.effects = nil
	return effects
}

func (u *UnitOfWork) rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateActive {
		u.state = stateRolledBack
		u.effects = nil
	}
}

type ctxKey struct{}

type scope struct {
	uow *UnitOfWork
	tx  *gorm.DB
}

// UnitFrom 返回 ctx 中的工作单元，没有时为 nil
func UnitFrom(ctx context.Context) *UnitOfWork {
	if s, ok := ctx.Value(ctxKey{}).(*scope); ok {
		return s.uow
	}
	return nil
}

// TxFrom 返回 ctx 中正在进行的事务
func TxFrom(ctx context.Context) (*gorm.DB, bool) {
	if s, ok := ctx.Value(ctxKey{}).(*scope); ok && s.uow.Active() {
		return s.tx, true
	}
	return nil, false
}

// TxManager 以数据库事务为边界开启工作单元
type TxManager struct {
	db         *gorm.DB
	dispatcher Dispatcher
}

func NewTxManager(db *gorm.DB, dispatcher Dispatcher) *TxManager {
	return &TxManager{db: db, dispatcher: dispatcher}
}

// Do 在事务中执行 fn；提交成功后分发登记的副作用。嵌套调用加入外层事务
func (m *TxManager) Do(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	if tx, ok := TxFrom(ctx); ok {
		return fn(ctx, tx)
	}

	uow := &UnitOfWork{}
	committed := false
	defer func() {
		if !committed {
			uow.rollback()
		}
	}()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, ctxKey{}, &scope{uow: uow, tx: tx}), tx)
	})
	if err != nil {
		return err
	}
	committed = true

	effects := uow.commit()
	if len(effects) > 0 {
		// 副作用不受请求取消影响
		m.dispatcher.Dispatch(context.WithoutCancel(ctx), effects)
	}
	return nil
}
