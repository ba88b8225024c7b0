package control

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(q *eventQueue) []Event {
	var out []Event
	for {
		ev, ok := q.popFront()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestQueueOrder(t *testing.T) {
	q := newEventQueue(10)
	q.push(StatusChanged("a", "running"))
	q.push(StatusChanged("b", "running"))

	evs := drainAll(q)
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].Service)
	assert.Equal(t, "b", evs[1].Service)
	assert.Zero(t, q.len())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := newEventQueue(3)
	for i := 0; i < 5; i++ {
		q.push(LogLine("svc", fmt.Sprintf("line %d", i)))
	}

	evs := drainAll(q)
	require.Len(t, evs, 3)
	assert.Equal(t, "line 2", evs[0].Line)
	assert.Equal(t, "line 4", evs[2].Line)
	assert.Equal(t, uint64(2), q.droppedCount())
}

func TestQueueHeartbeatSupersedes(t *testing.T) {
	q := newEventQueue(10)
	hb1 := Heartbeat()
	hb1.Seq = 1
	hb2 := Heartbeat()
	hb2.Seq = 2
	q.push(hb1)
	q.push(hb2)

	evs := drainAll(q)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(2), evs[0].Seq)
}

func TestQueueHeartbeatNeverDropped(t *testing.T) {
	q := newEventQueue(2)
	q.push(Heartbeat())
	for i := 0; i < 10; i++ {
		q.push(LogLine("svc", fmt.Sprintf("line %d", i)))
	}

	evs := drainAll(q)
	require.Len(t, evs, 3)
	// Ordinary events first, heartbeat delivered last.
	assert.Equal(t, EventLog, evs[0].Type)
	assert.Equal(t, EventLog, evs[1].Type)
	assert.Equal(t, EventHeartbeat, evs[2].Type)
}

func TestQueueHeartbeatLast(t *testing.T) {
	q := newEventQueue(10)
	q.push(Heartbeat())
	q.push(StatusChanged("a", "running"))

	evs := drainAll(q)
	require.Len(t, evs, 2)
	assert.Equal(t, EventStatusChanged, evs[0].Type)
	assert.Equal(t, EventHeartbeat, evs[1].Type)
}

func TestQueuePushFrontRestoresHead(t *testing.T) {
	q := newEventQueue(10)
	q.push(LogLine("svc", "one"))
	q.push(LogLine("svc", "two"))

	ev, ok := q.popFront()
	require.True(t, ok)
	assert.Equal(t, "one", ev.Line)

	// A failed delivery puts the event back at the head.
	q.pushFront(ev)

	evs := drainAll(q)
	require.Len(t, evs, 2)
	assert.Equal(t, "one", evs[0].Line)
	assert.Equal(t, "two", evs[1].Line)
}

func TestQueuePushFrontHeartbeatKeepsNewer(t *testing.T) {
	q := newEventQueue(10)
	old := Heartbeat()
	old.Seq = 1

	// A newer heartbeat arrived while the old one was in flight; the
	// returned one is discarded.
	newer := Heartbeat()
	newer.Seq = 2
	q.push(newer)
	q.pushFront(old)

	evs := drainAll(q)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(2), evs[0].Seq)
}

func TestQueuePushFrontHeartbeatRestoresEmptySlot(t *testing.T) {
	q := newEventQueue(10)
	hb := Heartbeat()
	hb.Seq = 7
	q.pushFront(hb)

	evs := drainAll(q)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(7), evs[0].Seq)
}

func TestQueuePushFrontHonorsBound(t *testing.T) {
	q := newEventQueue(2)
	q.push(LogLine("svc", "one"))
	q.push(LogLine("svc", "two"))

	q.pushFront(LogLine("svc", "zero"))

	evs := drainAll(q)
	require.Len(t, evs, 2)
	// The re-queued event is the oldest, so the bound drops it first.
	assert.Equal(t, "one", evs[0].Line)
	assert.Equal(t, "two", evs[1].Line)
	assert.Equal(t, uint64(1), q.droppedCount())
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, Command{Type: CommandExpose, Service: "web"}.Validate())
	assert.NoError(t, Command{Type: CommandShutdown}.Validate())
	assert.Error(t, Command{Type: CommandExpose}.Validate())
	assert.Error(t, Command{Type: "reboot"}.Validate())
}
