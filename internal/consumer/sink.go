package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"

	"github.com/d60-Lab/social-pipeline/internal/event"
	"github.com/d60-Lab/social-pipeline/internal/eventlog"
)

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) (eventlog.Offset, error)
}

// LogSink 把死信追加到 dead-letter 主题，并上报 sentry 供人工排查
type LogSink struct {
	log publisher
}

func NewLogSink(log publisher) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Send(ctx context.Context, dl event.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if _, err := s.log.Publish(ctx, event.TopicDeadLetter, dl.Key, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("topic", dl.OriginalTopic)
		scope.SetTag("partition_key", dl.Key)
		scope.SetContext("dead_letter", sentry.Context{
			"partition": dl.Partition,
			"offset":    dl.Offset,
			"attempts":  dl.Attempts,
		})
		hub.CaptureException(errors.New(dl.LastError))
	})
	return nil
}
