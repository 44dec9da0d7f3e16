package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockKafka(t *testing.T) (*KafkaLog, *mocks.SyncProducer) {
	t.Helper()
	sc := newSaramaConfig("test")
	producer := mocks.NewSyncProducer(t, sc)
	return newKafkaLog(KafkaConfig{PublishTimeout: time.Second}, sc, producer), producer
}

func TestKafkaLog_Publish(t *testing.T) {
	k, producer := newMockKafka(t)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":1}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	_, err := k.Publish(context.Background(), "post.created", "u1", []byte(`{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, k.Close())
}

func TestKafkaLog_PublishFailureIsReturned(t *testing.T) {
	k, producer := newMockKafka(t)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	_, err := k.Publish(context.Background(), "post.created", "u1", []byte("{}"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, k.Close())
}

func TestKafkaLog_PublishHonoursCancelledContext(t *testing.T) {
	k, _ := newMockKafka(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := k.Publish(ctx, "post.created", "u1", []byte("{}"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, k.Close())
}

func TestPartitionFor_StableAndInRange(t *testing.T) {
	for _, key := range []string{"", "a", "alice:bob", "0d9c2f6e-1b7a-4c55-8a0f-0f2c9e1a1111"} {
		p := PartitionFor(key, 12)
		assert.GreaterOrEqual(t, p, int32(0))
		assert.Less(t, p, int32(12))
		assert.Equal(t, p, PartitionFor(key, 12))
	}
	assert.Zero(t, PartitionFor("anything", 1))
}
