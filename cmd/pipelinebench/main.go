package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/social-pipeline/config"
	"github.com/d60-Lab/social-pipeline/internal/cache"
	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
	"github.com/d60-Lab/social-pipeline/internal/model"
	"github.com/d60-Lab/social-pipeline/internal/pipeline"
	"github.com/d60-Lab/social-pipeline/internal/realtime"
	"github.com/d60-Lab/social-pipeline/internal/repository"
	"github.com/d60-Lab/social-pipeline/internal/service"
	"github.com/d60-Lab/social-pipeline/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// 压测：私信写入的事务延迟 vs 提交后副作用落地延迟，以及 Feed 组装延迟
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	ctx := context.Background()

	SENDERS := envInt("SENDERS", 100)
	MSGS := envInt("MSGS", 5000)
	CONC := envInt("CONC", 16)
	WORKERS := envInt("WORKERS", 8)
	POSTS := envInt("POSTS", 20)

	log := eventlog.NewRedisLog(rdb, eventlog.RedisConfig{})
	check(log.Declare(ctx, event.Topics()...))
	store := cache.NewStore(rdb)
	metrics := must(pipeline.NewMetrics())
	exec := pipeline.NewExecutor(log, store, realtime.NewHub(64), cfg.Pipeline.EffectTimeout, metrics)
	async := pipeline.NewAsyncDispatcher(exec, MSGS)
	stop := async.Start(WORKERS)
	tx := pipeline.NewTxManager(db, async)
	publisher := pipeline.NewPublisher(exec, metrics)

	users := repository.NewUserRepository(db)
	follows := repository.NewFollowRepository(db)
	posts := repository.NewPostRepository(db)
	messages := service.NewMessageService(repository.NewMessageRepository(db), users, store, tx, publisher, service.Options{})
	relations := service.NewRelationshipService(follows, repository.NewFanRepository(db), users, tx, publisher)
	postSvc := service.NewPostService(posts, store, tx, publisher, service.Options{})
	feed := service.NewFeedService(posts, service.NewFollowIndex(follows, store, time.Minute))

	// seed: 一个接收者，SENDERS 个发送者；接收者关注所有发送者
	run := uuid.New().String()[:8]
	receiver := model.User{ID: uuid.New().String(), Username: "recv-" + run}
	check(users.Create(ctx, &receiver))
	senders := make([]model.User, SENDERS)
	for i := range senders {
		id := uuid.New().String()
		senders[i] = model.User{ID: id, Username: fmt.Sprintf("s%d-%s", i, run)}
		check(users.Create(ctx, &senders[i]))
		check(relations.Follow(ctx, receiver.ID, id))
		for j := 0; j < POSTS; j++ {
			_, err := postSvc.Create(ctx, service.CreatePostInput{AuthorID: id, Content: fmt.Sprintf("post %d", j)})
			check(err)
		}
	}
	// 关注与发帖的副作用不计入本次统计
	for async.QueueLen() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	for len(async.Lag()) > 0 {
		<-async.Lag()
	}

	sendCh := make(chan time.Duration, MSGS)
	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < CONC; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				st := time.Now()
				if _, err := messages.Send(ctx, senders[i%SENDERS].ID, receiver.ID, fmt.Sprintf("msg %d", i)); err != nil {
					panic(err)
				}
				sendCh <- time.Since(st)
			}
		}()
	}
	start := time.Now()
	for i := 0; i < MSGS; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)
	close(sendCh)
	sends := make([]time.Duration, 0, MSGS)
	for d := range sendCh {
		sends = append(sends, d)
	}

	lags := make([]time.Duration, 0, MSGS)
	timeout := time.After(2 * time.Minute)
COLLECT:
	for len(lags) < MSGS {
		select {
		case d := <-async.Lag():
			lags = append(lags, d)
		case <-timeout:
			fmt.Printf("timeout while waiting for effects: got=%d want=%d\n", len(lags), MSGS)
			break COLLECT
		}
	}
	_ = stop(ctx)

	fmt.Printf("SENDERS=%d MSGS=%d CONC=%d WORKERS=%d\n", SENDERS, MSGS, CONC, WORKERS)
	fmt.Printf("Send commit latency: avg=%v p95=%v p99=%v throughput=%.0f/s\n",
		avg(sends), pct(sends, 0.95), pct(sends, 0.99), float64(len(sends))/elapsed.Seconds())
	fmt.Printf("Effect landing (commit->done): samples=%d avg=%v p95=%v p99=%v\n",
		len(lags), avg(lags), pct(lags, 0.95), pct(lags, 0.99))
	stats := metrics.Snapshot()
	fmt.Printf("Effects: executed=%d failed=%d fallbacks=%d\n", stats.Executed, stats.Failed, stats.Fallbacks)

	total := must(messages.UnreadTotal(ctx, receiver.ID))
	fmt.Printf("Receiver unread total: %d\n", total)

	reads := make([]time.Duration, 0, 20)
	for i := 0; i < 20; i++ {
		st := time.Now()
		must(feed.Compose(ctx, receiver.ID, 1, 50))
		reads = append(reads, time.Since(st))
	}
	fmt.Printf("Feed compose (page=1, size=50): avg=%v p95=%v\n", avg(reads), pct(reads, 0.95))
}
