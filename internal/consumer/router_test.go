package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

type memorySink struct {
	mu      sync.Mutex
	letters []event.DeadLetter
	err     error
}

func (s *memorySink) Send(_ context.Context, dl event.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, dl)
	return nil
}

var errGone = errors.New("user not found")

func newTestRouter(t *testing.T, sink DeadLetterSink) *Router {
	t.Helper()
	r, err := NewRouter(Config{MaxAttempts: 3, Backoff: time.Millisecond}, sink)
	require.NoError(t, err)
	r.SkipOn(errGone)
	return r
}

func msgFor(topic string) *eventlog.Message {
	return &eventlog.Message{Topic: topic, Key: "k", Partition: 2, Offset: 41, Value: []byte(`{}`)}
}

func TestRouter_DeadLetterAfterMaxAttempts(t *testing.T) {
	sink := &memorySink{}
	r := newTestRouter(t, sink)
	calls := 0
	r.Handle("t", func(context.Context, *eventlog.Message) error {
		calls++
		return errors.New("db timeout")
	})

	require.NoError(t, r.Dispatch(context.Background(), msgFor("t")))

	assert.Equal(t, 3, calls)
	require.Len(t, sink.letters, 1)
	dl := sink.letters[0]
	assert.Equal(t, "t", dl.OriginalTopic)
	assert.Equal(t, "k", dl.Key)
	assert.Equal(t, 3, dl.Attempts)
	assert.EqualValues(t, 41, dl.Offset)
	assert.Equal(t, "db timeout", dl.LastError)
	assert.False(t, dl.FirstFailedAt.IsZero())
}

func TestRouter_PermanentErrorsSkipRetries(t *testing.T) {
	cases := map[string]error{
		"malformed":     fmt.Errorf("%w: missing userId", event.ErrMalformed),
		"non-retryable": NonRetryable(errors.New("bad reference")),
	}
	for name, handlerErr := range cases {
		t.Run(name, func(t *testing.T) {
			sink := &memorySink{}
			r := newTestRouter(t, sink)
			calls := 0
			r.Handle("t", func(context.Context, *eventlog.Message) error {
				calls++
				return handlerErr
			})

			require.NoError(t, r.Dispatch(context.Background(), msgFor("t")))
			assert.Equal(t, 1, calls)
			require.Len(t, sink.letters, 1)
			assert.Equal(t, 1, sink.letters[0].Attempts)
		})
	}
}

func TestRouter_SkipErrorsAreAcked(t *testing.T) {
	sink := &memorySink{}
	r := newTestRouter(t, sink)
	calls := 0
	r.Handle("t", func(context.Context, *eventlog.Message) error {
		calls++
		return fmt.Errorf("materialize: %w", errGone)
	})

	require.NoError(t, r.Dispatch(context.Background(), msgFor("t")))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sink.letters)
}

func TestRouter_RecoversPanicAndRetries(t *testing.T) {
	sink := &memorySink{}
	r := newTestRouter(t, sink)
	calls := 0
	r.Handle("t", func(context.Context, *eventlog.Message) error {
		calls++
		if calls == 1 {
			panic("nil map")
		}
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), msgFor("t")))
	assert.Equal(t, 2, calls)
	assert.Empty(t, sink.letters)
}

func TestRouter_SinkFailureIsNotAcked(t *testing.T) {
	sink := &memorySink{err: errors.New("log unavailable")}
	r := newTestRouter(t, sink)
	r.Handle("t", func(context.Context, *eventlog.Message) error { return NonRetryable(errors.New("x")) })

	assert.Error(t, r.Dispatch(context.Background(), msgFor("t")))
}

func TestRouter_CancelledContextIsNotDeadLettered(t *testing.T) {
	sink := &memorySink{}
	r, err := NewRouter(Config{MaxAttempts: 3, Backoff: time.Hour}, sink)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r.Handle("t", func(context.Context, *eventlog.Message) error {
		cancel()
		return errors.New("transient")
	})

	assert.ErrorIs(t, r.Dispatch(ctx, msgFor("t")), context.Canceled)
	assert.Empty(t, sink.letters)
}

func TestRouter_UnknownTopicAcked(t *testing.T) {
	r := newTestRouter(t, &memorySink{})
	assert.NoError(t, r.Dispatch(context.Background(), msgFor("nobody-handles-this")))
}

type recordingDeps struct {
	notifications []event.NotificationSend
	evicted       []string
	posts         []event.PostCreated
}

func (d *recordingDeps) Materialize(_ context.Context, n event.NotificationSend) error {
	d.notifications = append(d.notifications, n)
	return nil
}

func (d *recordingDeps) Evict(_ context.Context, userID string) error {
	d.evicted = append(d.evicted, userID)
	return nil
}

func (d *recordingDeps) IndexRecentPost(_ context.Context, p event.PostCreated) error {
	d.posts = append(d.posts, p)
	return nil
}

func TestRegister_RoutesDecodedVariants(t *testing.T) {
	sink := &memorySink{}
	r := newTestRouter(t, sink)
	deps := &recordingDeps{}
	Register(r, Deps{Notifications: deps, FollowIndex: deps, RecentPosts: deps})

	assert.Equal(t, []string{
		event.TopicNotificationSend, event.TopicPostCreated, event.TopicUserFollowed, event.TopicUserUnfollowed,
	}, r.Topics())

	ctx := context.Background()
	now := time.Now()
	send := func(p event.Payload) {
		data, err := event.Encode(p)
		require.NoError(t, err)
		require.NoError(t, r.Dispatch(ctx, &eventlog.Message{Topic: p.Topic(), Key: p.PartitionKey(), Value: data}))
	}
	send(event.UserFollowed{FollowerID: "a", FollowedID: "b", Timestamp: now})
	send(event.UserUnfollowed{FollowerID: "a", FollowedID: "b", Timestamp: now})
	send(event.PostCreated{PostID: "p1", UserID: "a", Content: "hello", Timestamp: now})

	require.Len(t, deps.notifications, 1)
	n := deps.notifications[0]
	assert.Equal(t, "b", n.UserID)
	assert.Equal(t, "a", n.SenderID)
	assert.Equal(t, "FOLLOW", n.Type)
	assert.Equal(t, fmt.Sprintf("a:%d", now.UnixMilli()), n.EntityID)
	assert.Equal(t, []string{"a"}, deps.evicted)
	require.Len(t, deps.posts, 1)
	assert.Equal(t, "p1", deps.posts[0].PostID)

	// 格式错误直接进入死信
	require.NoError(t, r.Dispatch(ctx, &eventlog.Message{Topic: event.TopicNotificationSend, Key: "b", Value: []byte("{")}))
	require.Len(t, sink.letters, 1)
	assert.Equal(t, 1, sink.letters[0].Attempts)
}
