package supervisor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	bc := NewBroadcaster()
	ch1, cancel1 := bc.Subscribe()
	ch2, cancel2 := bc.Subscribe()
	defer cancel1()
	defer cancel2()

	bc.Publish([]byte("hello"))

	assert.Equal(t, "hello", string(<-ch1))
	assert.Equal(t, "hello", string(<-ch2))
}

func TestBroadcastReplaysRetained(t *testing.T) {
	bc := NewBroadcaster()
	bc.Publish([]byte("first"))
	bc.Publish([]byte("second"))

	ch, cancel := bc.Subscribe()
	defer cancel()

	assert.Equal(t, "first", string(<-ch))
	assert.Equal(t, "second", string(<-ch))
}

func TestBroadcastRetentionBounded(t *testing.T) {
	bc := NewBroadcaster()
	for i := 0; i < retainedLines+10; i++ {
		bc.Publish([]byte(fmt.Sprintf("line %d", i)))
	}

	ch, cancel := bc.Subscribe()
	defer cancel()

	// The oldest lines were evicted; replay starts at line 10.
	assert.Equal(t, "line 10", string(<-ch))
}

func TestBroadcastCancelStopsDelivery(t *testing.T) {
	bc := NewBroadcaster()
	ch, cancel := bc.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	bc.Publish([]byte("late"))
}

func TestBroadcastCloseClosesSubscribers(t *testing.T) {
	bc := NewBroadcaster()
	ch, cancel := bc.Subscribe()
	defer cancel()

	bc.Close()
	_, open := <-ch
	require.False(t, open)

	// Cancel after close is a no-op.
	cancel()
}

func TestBroadcastSlowSubscriberDropped(t *testing.T) {
	bc := NewBroadcaster()
	ch, cancel := bc.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer without draining; the publisher must
	// not block.
	for i := 0; i < subscriberBuffer+100; i++ {
		bc.Publish([]byte("x"))
	}

	assert.Len(t, ch, subscriberBuffer)
}
