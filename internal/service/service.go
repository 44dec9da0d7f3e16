package service

import (
	"errors"
	"time"
)

var (
	ErrFollowSelf      = errors.New("cannot follow self")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options 缓存相关参数
type Options struct {
	CounterTTL    time.Duration
	ListTTL       time.Duration
	RecentListMax int64
}

func (o Options) withDefaults() Options {
	if o.CounterTTL <= 0 {
		o.CounterTTL = 7 * 24 * time.Hour
	}
	if o.ListTTL <= 0 {
		o.ListTTL = 7 * 24 * time.Hour
	}
	if o.RecentListMax <= 0 {
		o.RecentListMax = 200
	}
	return o
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// pageWindow 归一化分页参数，返回 (page, pageSize, offset)
func pageWindow(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}
