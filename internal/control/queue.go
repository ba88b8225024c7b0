package control

import "sync"

// eventQueue is the bounded outbound buffer used while the channel is
// connected or not. Heartbeats are held in a dedicated slot so that only
// the newest one is ever delivered and ordinary events are never displaced
// by them; on overflow the oldest ordinary event is dropped.
type eventQueue struct {
	mu        sync.Mutex
	limit     int
	events    []Event
	heartbeat *Event
	dropped   uint64
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{limit: limit}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.Type == EventHeartbeat {
		q.heartbeat = &ev
		return
	}

	q.events = append(q.events, ev)
	if len(q.events) > q.limit {
		over := len(q.events) - q.limit
		q.events = append(q.events[:0], q.events[over:]...)
		q.dropped += uint64(over)
	}
}

// popFront removes and returns the next event to deliver: ordinary
// events in arrival order first, the pending heartbeat only once they
// are exhausted.
func (q *eventQueue) popFront() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) > 0 {
		ev := q.events[0]
		q.events = q.events[1:]
		return ev, true
	}
	if q.heartbeat != nil {
		ev := *q.heartbeat
		q.heartbeat = nil
		return ev, true
	}
	return Event{}, false
}

// pushFront returns an event whose delivery failed to the head of the
// queue. A heartbeat goes back to its slot unless a newer one arrived;
// ordinary events still honor the bound, dropping the oldest on
// overflow.
func (q *eventQueue) pushFront(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.Type == EventHeartbeat {
		if q.heartbeat == nil {
			q.heartbeat = &ev
		}
		return
	}

	q.events = append([]Event{ev}, q.events...)
	if len(q.events) > q.limit {
		over := len(q.events) - q.limit
		q.events = append(q.events[:0], q.events[over:]...)
		q.dropped += uint64(over)
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events)
	if q.heartbeat != nil {
		n++
	}
	return n
}

func (q *eventQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
