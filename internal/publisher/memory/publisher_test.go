package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(4)
	id1, err := pub.Publish(context.Background(), "archived", asset.ArchivedEvent{Bytes: 10})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "archived", msgs[0].Topic)
	assert.Equal(t, asset.ArchivedEvent{Bytes: 10}, msgs[0].Payload)

	msgs[0].Topic = "modified"
	assert.Equal(t, "archived", pub.Messages()[0].Topic)
}

func TestPublisherEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	pub := New(3)
	for i := 1; i <= 7; i++ {
		_, err := pub.Publish(context.Background(), "archived", i)
		require.NoError(t, err)
	}

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i+5, msg.Payload)
		assert.Equal(t, fmt.Sprintf("memory-%d", i+5), msg.ID)
	}
	assert.Equal(t, 7, pub.Total())
}

func TestNewDefaultsCapacity(t *testing.T) {
	t.Parallel()

	pub := New(0)
	for i := 0; i < defaultCapacity+10; i++ {
		_, _ = pub.Publish(context.Background(), "archived", i)
	}
	assert.Len(t, pub.Messages(), defaultCapacity)
}
