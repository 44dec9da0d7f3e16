package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

type capturePublisher struct {
	topic, key string
	value      []byte
	err        error
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) (eventlog.Offset, error) {
	c.topic, c.key, c.value = topic, key, value
	return eventlog.Offset{}, c.err
}

func TestLogSink_PublishesToDeadLetterTopic(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewLogSink(pub)
	dl := event.DeadLetter{
		OriginalTopic: event.TopicNotificationSend,
		Key:           "u2",
		Payload:       []byte(`{"userId":"u2"}`),
		LastError:     "db timeout",
		Attempts:      3,
		FirstFailedAt: time.Unix(1_700_000_000, 0).UTC(),
	}

	require.NoError(t, sink.Send(context.Background(), dl))
	assert.Equal(t, event.TopicDeadLetter, pub.topic)
	assert.Equal(t, "u2", pub.key)

	var got event.DeadLetter
	require.NoError(t, json.Unmarshal(pub.value, &got))
	assert.Equal(t, dl, got)
}

func TestLogSink_PublishError(t *testing.T) {
	sink := NewLogSink(&capturePublisher{err: errors.New("down")})
	assert.Error(t, sink.Send(context.Background(), event.DeadLetter{Key: "k"}))
}
