package transport

import "sync"

// Queue is a goroutine safe event queue shared by transport implementations.
// Producers push from any goroutine, the poll goroutine drains.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

func (q *Queue) swap() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Drain hands queued events to handle until the queue stays empty. after is
// called with every event once handle returned, which lets implementations
// settle undecided connection requests.
func (q *Queue) Drain(handle func(Event), after func(Event)) {
	for {
		events := q.swap()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			handle(ev)
			if after != nil {
				after(ev)
			}
		}
	}
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
