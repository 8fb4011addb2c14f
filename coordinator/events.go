package coordinator

import (
	"sync"
	"time"

	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/operator"
)

// EventKind names an outbound event.
type EventKind string

const (
	EventStatusUpdate EventKind = "status_update"
	EventSIMChange    EventKind = "sim_change"
	EventSMSReceived  EventKind = "sms_received"
	EventSMSDeleted   EventKind = "sms_deleted"
	// EventUSSDReceived carries a USSD notification nobody was waiting for.
	EventUSSDReceived EventKind = "ussd_received"
)

// Event is emitted to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind `json:"kind"`
	ModemID string    `json:"modemId"`
	Time    time.Time `json:"time"`

	State    State             `json:"state,omitempty"`
	Signal   *modem.Signal     `json:"signal,omitempty"`
	Network  modem.Network     `json:"network,omitempty"`
	Error    string            `json:"error,omitempty"`
	Operator *operator.Record  `json:"operator,omitempty"`
	Message  *modem.SMS        `json:"message,omitempty"`
	Index    *int              `json:"index,omitempty"`
	USSD     *modem.USSDResult `json:"ussd,omitempty"`
}

// broadcaster fans events out to subscribers without blocking: a
// subscriber whose buffer is full misses the event.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	closed  bool
	dropped func(Event)
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.dropped != nil {
				b.dropped(ev)
			}
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
