package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"i4.energy/across/simhub/at"
	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/monitor"
	"i4.energy/across/simhub/operator"
)

// fakeSource answers with the identities queued by set.
type fakeSource struct {
	mu  sync.Mutex
	id  modem.Identity
	err error
}

func (f *fakeSource) set(imsi, iccid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = modem.Identity{IMSI: imsi, ICCID: iccid}
	f.err = err
}

func (f *fakeSource) setIdentity(id modem.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
	f.err = nil
}

func (f *fakeSource) QueryIdentity(ctx context.Context) (modem.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.err
}

func TestCheck(t *testing.T) {
	src := &fakeSource{}
	m := monitor.New(src, operator.Default(), time.Minute, nil)

	if m.State() != monitor.StateUnknown {
		t.Fatalf("expected unknown state, got %v", m.State())
	}

	src.set("603021234567890", "8921302000000000001", nil)
	ev, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != monitor.EventPresent {
		t.Errorf("expected sim_present, got %v", ev.Kind)
	}
	if ev.Operator.Name != "Mobilis Algeria" {
		t.Errorf("expected Mobilis Algeria, got %q", ev.Operator.Name)
	}
	if m.State() != monitor.StateIdentified {
		t.Errorf("expected identified state, got %v", m.State())
	}

	ev, err = m.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != monitor.EventConfirmed {
		t.Errorf("expected confirmation, got %v", ev.Kind)
	}

	src.set("603011234567890", "8921301000000000001", nil)
	ev, err = m.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != monitor.EventChanged {
		t.Fatalf("expected sim_changed, got %v", ev.Kind)
	}
	if ev.Previous == nil || ev.Previous.IMSI != "603021234567890" {
		t.Errorf("unexpected previous fingerprint %+v", ev.Previous)
	}
	if ev.Operator.Name != "Ooredoo Algeria" {
		t.Errorf("expected the operator to be resolved again, got %q", ev.Operator.Name)
	}
	if op, _ := m.Operator(); op.Name != "Ooredoo Algeria" {
		t.Errorf("cached operator not reset, got %q", op.Name)
	}
}

func TestCheckFailureKeepsFingerprint(t *testing.T) {
	src := &fakeSource{}
	m := monitor.New(src, operator.Default(), time.Minute, nil)

	src.set("603021234567890", "", nil)
	if _, err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	src.set("", "", boom)
	ev, err := m.Check(context.Background())
	if !errors.Is(err, boom) || ev.Kind != monitor.EventFailed {
		t.Fatalf("expected a failed check, got %v (%v)", ev.Kind, err)
	}

	fp, ok := m.Fingerprint()
	if !ok || fp.IMSI != "603021234567890" {
		t.Errorf("fingerprint lost after a failure: %+v", fp)
	}

	src.set("603021234567890", "", nil)
	ev, _ = m.Check(context.Background())
	if ev.Kind != monitor.EventConfirmed {
		t.Errorf("a failed read must not count as a change, got %v", ev.Kind)
	}
}

func TestCheckPartialIdentity(t *testing.T) {
	const (
		imsi  = "603021234567890"
		iccid = "8921302000000000001"
	)
	simAbsent := &at.FinalError{Kind: at.FinalCME, Code: 10, Reason: "SIM not inserted"}
	exhausted := fmt.Errorf("%w: %w", modem.ErrRetriesExhausted, modem.ErrTimeout)

	tests := []struct {
		name string
		id   modem.Identity
		want monitor.EventKind
	}{
		{
			name: "IMSI query timed out",
			id:   modem.Identity{ICCID: iccid, Failures: map[modem.Field]error{modem.FieldIMSI: exhausted}},
			want: monitor.EventFailed,
		},
		{
			name: "ICCID query timed out",
			id:   modem.Identity{IMSI: imsi, Failures: map[modem.Field]error{modem.FieldICCID: exhausted}},
			want: monitor.EventFailed,
		},
		{
			name: "subscriber number missing",
			id:   modem.Identity{IMSI: imsi, ICCID: iccid, Failures: map[modem.Field]error{modem.FieldMSISDN: exhausted}},
			want: monitor.EventConfirmed,
		},
		{
			name: "SIM removed",
			id: modem.Identity{Failures: map[modem.Field]error{
				modem.FieldIMSI:  simAbsent,
				modem.FieldICCID: simAbsent,
			}},
			want: monitor.EventChanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			m := monitor.New(src, operator.Default(), time.Minute, nil)

			src.set(imsi, iccid, nil)
			if _, err := m.Check(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			src.setIdentity(tt.id)
			ev, err := m.Check(context.Background())
			if ev.Kind != tt.want {
				t.Fatalf("expected %v, got %v (%v)", tt.want, ev.Kind, err)
			}
			if (tt.want == monitor.EventFailed) != (err != nil) {
				t.Errorf("unexpected error %v", err)
			}

			// the SIM reads fine again
			src.set(imsi, iccid, nil)
			ev, _ = m.Check(context.Background())
			want := monitor.EventConfirmed
			if tt.want == monitor.EventChanged {
				want = monitor.EventChanged
			}
			if ev.Kind != want {
				t.Errorf("after recovery: expected %v, got %v", want, ev.Kind)
			}
		})
	}
}

func TestUnknownOperator(t *testing.T) {
	src := &fakeSource{}
	src.set("310260000000000", "", nil)
	m := monitor.New(src, operator.Default(), time.Minute, nil)

	ev, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ev.Operator.IsUnknown() {
		t.Errorf("expected Unknown, got %q", ev.Operator.Name)
	}
}

func TestRun(t *testing.T) {
	src := &fakeSource{}
	src.set("603021234567890", "", nil)
	m := monitor.New(src, operator.Default(), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan monitor.Event)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, events) }()

	if ev := <-events; ev.Kind != monitor.EventPresent {
		t.Errorf("expected sim_present first, got %v", ev.Kind)
	}
	src.set("603031234567890", "", nil)
	for ev := range events {
		if ev.Kind == monitor.EventChanged {
			break
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
