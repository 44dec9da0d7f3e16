package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// 每个 (topic, partition) 一条 stream，ID 为 "<seq>-0"，seq 即分区内偏移
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], tostring(seq) .. '-0',
	'key', ARGV[1], 'payload', ARGV[2], 'produced_at', ARGV[3], 'headers', ARGV[4])
return seq
`)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// 仅当仍持有租约时提交位点
var commitOffsetScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

var errLeaseLost = errors.New("partition lease lost")

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const topicsKey = "eventlog:topics"

type RedisConfig struct {
	PollInterval time.Duration
	BatchSize    int64
	// LeaseTTL 分区租约，保证同组同分区只有一个消费者
	LeaseTTL time.Duration
}

// RedisLog 基于 Redis Streams 的事件日志，用于单机部署与测试
type RedisLog struct {
	rdb redis.UniversalClient
	cfg RedisConfig
	now func() time.Time

	mu     sync.RWMutex
	topics map[string]TopicSpec
	closed bool
}

func NewRedisLog(rdb redis.UniversalClient, cfg RedisConfig) *RedisLog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &RedisLog{rdb: rdb, cfg: cfg, now: time.Now, topics: make(map[string]TopicSpec)}
}

func streamKey(topic string, p int32) string { return fmt.Sprintf("eventlog:%s:%d", topic, p) }
func seqKey(topic string, p int32) string    { return fmt.Sprintf("eventlog:seq:%s:%d", topic, p) }
func offsetKey(group, topic string, p int32) string {
	return fmt.Sprintf("eventlog:offset:%s:%s:%d", group, topic, p)
}
func leaseKey(group, topic string, p int32) string {
	return fmt.Sprintf("eventlog:lease:%s:%s:%d", group, topic, p)
}

type storedSpec struct {
	Partitions  int32 `json:"partitions"`
	RetentionMs int64 `json:"retentionMs"`
}

// Declare 主题元数据写入 redis，其它进程可直接发布
func (l *RedisLog) Declare(ctx context.Context, specs ...TopicSpec) error {
	for _, s := range specs {
		if s.Partitions < 1 {
			return fmt.Errorf("topic %s: partitions must be >= 1", s.Name)
		}
		raw, _ := json.Marshal(storedSpec{Partitions: s.Partitions, RetentionMs: s.Retention.Milliseconds()})
		if err := l.rdb.HSetNX(ctx, topicsKey, s.Name, raw).Err(); err != nil {
			return fmt.Errorf("declare %s: %w", s.Name, err)
		}
		// 已声明过时以存量分区数为准，避免改变 key 到分区的映射
		spec, err := l.lookup(ctx, s.Name, true)
		if err != nil {
			return err
		}
		if spec.Partitions != s.Partitions {
			logger.Warn("topic already declared with different partitions",
				zap.String("topic", s.Name), zap.Int32("existing", spec.Partitions), zap.Int32("requested", s.Partitions))
		}
	}
	return nil
}

func (l *RedisLog) lookup(ctx context.Context, topic string, reload bool) (TopicSpec, error) {
	if !reload {
		l.mu.RLock()
		spec, ok := l.topics[topic]
		l.mu.RUnlock()
		if ok {
			return spec, nil
		}
	}
	raw, err := l.rdb.HGet(ctx, topicsKey, topic).Bytes()
	if errors.Is(err, redis.Nil) {
		return TopicSpec{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if err != nil {
		return TopicSpec{}, err
	}
	var st storedSpec
	if err := json.Unmarshal(raw, &st); err != nil {
		return TopicSpec{}, fmt.Errorf("topic %s metadata: %w", topic, err)
	}
	spec := TopicSpec{Name: topic, Partitions: st.Partitions, Retention: time.Duration(st.RetentionMs) * time.Millisecond}
	l.mu.Lock()
	l.topics[topic] = spec
	l.mu.Unlock()
	return spec, nil
}

func (l *RedisLog) Publish(ctx context.Context, topic, key string, value []byte) (Offset, error) {
	if l.isClosed() {
		return Offset{}, ErrClosed
	}
	spec, err := l.lookup(ctx, topic, false)
	if err != nil {
		return Offset{}, err
	}
	p := PartitionFor(key, spec.Partitions)
	headers, _ := json.Marshal(injectHeaders(ctx))
	seq, err := appendScript.Run(ctx, l.rdb,
		[]string{streamKey(topic, p), seqKey(topic, p)},
		key, value, l.now().UnixMilli(), headers,
	).Int64()
	if err != nil {
		return Offset{}, fmt.Errorf("publish %s: %w", topic, err)
	}
	return Offset{Partition: p, Offset: seq}, nil
}

// Consume 为每个 (topic, partition) 启动一个轮询 goroutine；ctx 结束后返回
func (l *RedisLog) Consume(ctx context.Context, group string, topics []string, h Handler) error {
	if l.isClosed() {
		return ErrClosed
	}
	owner := uuid.New().String()
	var wg sync.WaitGroup
	for _, topic := range topics {
		spec, err := l.lookup(ctx, topic, false)
		if err != nil {
			return err
		}
		for p := int32(0); p < spec.Partitions; p++ {
			wg.Add(1)
			go func(topic string, p int32) {
				defer wg.Done()
				l.consumePartition(ctx, group, owner, topic, p, h)
			}(topic, p)
		}
	}
	wg.Wait()
	return nil
}

func (l *RedisLog) consumePartition(ctx context.Context, group, owner, topic string, p int32, h Handler) {
	lease := leaseKey(group, topic, p)
	defer func() {
		_ = releaseLeaseScript.Run(context.WithoutCancel(ctx), l.rdb, []string{lease}, owner).Err()
	}()

	log := logger.L().With(zap.String("group", group), zap.String("topic", topic), zap.Int32("partition", p))
	for {
		if ctx.Err() != nil {
			return
		}
		if !l.holdLease(ctx, lease, owner) {
			l.sleep(ctx)
			continue
		}
		processed, err := l.pollOnce(ctx, group, owner, topic, p, h)
		switch {
		case errors.Is(err, errLeaseLost):
			log.Info("partition lease lost, batch abandoned", zap.Int("processed", processed))
		case err != nil && ctx.Err() == nil:
			log.Warn("partition poll stopped at failed message", zap.Error(err))
		}
		if processed == 0 || err != nil {
			l.sleep(ctx)
		}
	}
}

// pollOnce 读取一批并顺序处理；处理失败时停在该消息，下一轮重投。
// 处理期间后台续租；租约丢失时取消 handler 并放弃本批，位点只由租约持有者提交
func (l *RedisLog) pollOnce(ctx context.Context, group, owner, topic string, p int32, h Handler) (int, error) {
	last, err := l.rdb.Get(ctx, offsetKey(group, topic, p)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	entries, err := l.rdb.XRangeN(ctx, streamKey(topic, p), fmt.Sprintf("%d-0", last+1), "+", l.cfg.BatchSize).Result()
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	lease := leaseKey(group, topic, p)
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.keepLease(hctx, cancel, lease, owner)

	processed := 0
	for _, e := range entries {
		if !l.renewLease(ctx, lease, owner) {
			return processed, errLeaseLost
		}
		msg, err := toMessage(topic, p, e)
		if err != nil {
			return processed, err
		}
		if err := h(extractHeaders(hctx, msg.Headers), msg); err != nil {
			if ctx.Err() == nil && hctx.Err() != nil {
				return processed, errLeaseLost
			}
			return processed, fmt.Errorf("offset %d: %w", msg.Offset, err)
		}
		// 处理完成后必须落位点，即便 ctx 已取消
		ok, err := commitOffsetScript.Run(context.WithoutCancel(ctx), l.rdb,
			[]string{lease, offsetKey(group, topic, p)}, owner, msg.Offset).Int()
		if err != nil {
			return processed, err
		}
		if ok != 1 {
			return processed, errLeaseLost
		}
		processed++
	}
	return processed, nil
}

// keepLease 按 LeaseTTL/3 续租，续租失败时调用 lost
func (l *RedisLog) keepLease(ctx context.Context, lost context.CancelFunc, key, owner string) {
	interval := l.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.renewLease(ctx, key, owner) {
				if ctx.Err() == nil {
					lost()
				}
				return
			}
		}
	}
}

func (l *RedisLog) renewLease(ctx context.Context, key, owner string) bool {
	renewed, err := renewLeaseScript.Run(ctx, l.rdb, []string{key}, owner, l.cfg.LeaseTTL.Milliseconds()).Int()
	return err == nil && renewed == 1
}

func (l *RedisLog) holdLease(ctx context.Context, key, owner string) bool {
	ok, err := l.rdb.SetNX(ctx, key, owner, l.cfg.LeaseTTL).Result()
	if err == nil && ok {
		return true
	}
	return l.renewLease(ctx, key, owner)
}

func (l *RedisLog) sleep(ctx context.Context) {
	t := time.NewTimer(l.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func toMessage(topic string, p int32, e redis.XMessage) (*Message, error) {
	seqPart, _, _ := strings.Cut(e.ID, "-")
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad stream id %q: %w", e.ID, err)
	}
	msg := &Message{Topic: topic, Partition: p, Offset: seq}
	if v, ok := e.Values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := e.Values["payload"].(string); ok {
		msg.Value = []byte(v)
	}
	if v, ok := e.Values["produced_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.ProducedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := e.Values["headers"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &msg.Headers)
	}
	return msg, nil
}

// Trim 删除超过保留时长的事件；位点不受影响
func (l *RedisLog) Trim(ctx context.Context) (int64, error) {
	names, err := l.rdb.HKeys(ctx, topicsKey).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, name := range names {
		spec, err := l.lookup(ctx, name, true)
		if err != nil {
			return removed, err
		}
		if spec.Retention <= 0 {
			continue
		}
		cutoff := l.now().Add(-spec.Retention)
		for p := int32(0); p < spec.Partitions; p++ {
			n, err := l.trimPartition(ctx, streamKey(name, p), cutoff)
			removed += n
			if err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (l *RedisLog) trimPartition(ctx context.Context, stream string, cutoff time.Time) (int64, error) {
	var removed int64
	for {
		entries, err := l.rdb.XRangeN(ctx, stream, "-", "+", l.cfg.BatchSize).Result()
		if err != nil {
			return removed, err
		}
		var expired []string
		for _, e := range entries {
			v, _ := e.Values["produced_at"].(string)
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || !time.UnixMilli(ms).Before(cutoff) {
				break
			}
			expired = append(expired, e.ID)
		}
		if len(expired) == 0 {
			return removed, nil
		}
		n, err := l.rdb.XDel(ctx, stream, expired...).Result()
		removed += n
		if err != nil {
			return removed, err
		}
		if len(expired) < len(entries) {
			return removed, nil
		}
	}
}

// RunTrimmer 周期性执行 Trim，直到 ctx 结束
func (l *RedisLog) RunTrimmer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Trim(ctx)
			if err != nil {
				logger.Warn("eventlog trim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("eventlog trimmed", zap.Int64("removed", n))
			}
		}
	}
}

func (l *RedisLog) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close 不关闭共享的 redis 客户端
func (l *RedisLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
