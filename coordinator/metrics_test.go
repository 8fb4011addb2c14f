package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"i4.energy/across/simhub/modem"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observe("status", nil, time.Millisecond)
	m.observe("status", modem.ErrTimeout, time.Millisecond)
	m.observe("send_message", errors.Join(modem.ErrIndeterminate, modem.ErrTimeout), time.Second)
	m.setStates(map[State]int{StateConnected: 2, StateDegraded: 1})
	m.emitted(EventSIMChange)
	m.droppedEvent()

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "ok", c: m.operations.WithLabelValues("status", "ok"), want: 1},
		{name: "transient", c: m.operations.WithLabelValues("status", "transient"), want: 1},
		{name: "indeterminate", c: m.operations.WithLabelValues("send_message", "indeterminate"), want: 1},
		{name: "connected", c: m.modems.WithLabelValues("connected"), want: 2},
		{name: "degraded", c: m.modems.WithLabelValues("degraded"), want: 1},
		{name: "discovered", c: m.modems.WithLabelValues("discovered"), want: 0},
		{name: "events", c: m.events.WithLabelValues("sim_change"), want: 1},
		{name: "dropped", c: m.dropped, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.observe("status", nil, time.Second)
	m.setStates(nil)
	m.emitted(EventSMSDeleted)
	m.droppedEvent()
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	var dropped int
	b := broadcaster{dropped: func(Event) { dropped++ }}
	ch, stop := b.subscribe(1)

	b.publish(Event{Kind: EventSMSDeleted})
	b.publish(Event{Kind: EventSMSDeleted})

	if dropped != 1 {
		t.Errorf("expected one dropped event, got %d", dropped)
	}
	if ev := <-ch; ev.Kind != EventSMSDeleted {
		t.Errorf("unexpected event %+v", ev)
	}

	stop()
	stop()
	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed")
	}
}
