// Package monitor watches the SIM of a modem and reports when it appears or
// changes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/operator"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 30 * time.Second

// State of a monitored SIM.
type State int

const (
	StateUnknown State = iota
	StateIdentified
	StateChangeDetected
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateIdentified:
		return "identified"
	case StateChangeDetected:
		return "change-detected"
	default:
		return "invalid"
	}
}

// Fingerprint identifies the SIM in a modem. SeenAt carries a monotonic
// reading and is only meaningful within the process.
type Fingerprint struct {
	IMSI   string    `json:"imsi"`
	ICCID  string    `json:"iccid"`
	SeenAt time.Time `json:"seenAt"`
}

// Same reports whether f and o identify the same SIM.
func (f Fingerprint) Same(o Fingerprint) bool {
	return f.IMSI == o.IMSI && f.ICCID == o.ICCID
}

// EventKind tells what a check found.
type EventKind int

const (
	// EventConfirmed means the SIM did not change.
	EventConfirmed EventKind = iota
	// EventPresent is reported for the first identification.
	EventPresent
	// EventChanged is reported when the fingerprint differs from the last one.
	EventChanged
	// EventFailed is reported when the identity could not be read.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConfirmed:
		return "confirmed"
	case EventPresent:
		return "sim_present"
	case EventChanged:
		return "sim_changed"
	case EventFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Event is the outcome of one check. Previous is only set for
// EventChanged.
type Event struct {
	Kind        EventKind
	Fingerprint Fingerprint
	Previous    *Fingerprint
	Operator    operator.Record
	Identity    modem.Identity
	Err         error
}

// IdentitySource reads the identity of a SIM. *modem.Modem implements it.
type IdentitySource interface {
	QueryIdentity(ctx context.Context) (modem.Identity, error)
}

// Resolver maps an identity to an operator. *operator.Catalog implements it.
type Resolver interface {
	Resolve(imsi, iccid string) operator.Record
}

// Monitor tracks the SIM of one modem.
type Monitor struct {
	source   IdentitySource
	resolver Resolver
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	current  *Fingerprint
	operator *operator.Record
}

// New creates a monitor polling source every interval.
func New(source IdentitySource, resolver Resolver, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		source:   source,
		resolver: resolver,
		interval: interval,
		logger:   logger,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fingerprint returns the last fingerprint, if any.
func (m *Monitor) Fingerprint() (Fingerprint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Fingerprint{}, false
	}
	return *m.current, true
}

// Operator returns the operator resolved for the current SIM, if any.
func (m *Monitor) Operator() (operator.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operator == nil {
		return operator.Record{}, false
	}
	return *m.operator, true
}

// Check reads the identity once and compares it with the last fingerprint.
// On failure the state is left untouched and the event carries the error.
// A fingerprint field the modem could not be asked about, as opposed to one
// it refused or answered empty, fails the check.
func (m *Monitor) Check(ctx context.Context) (Event, error) {
	id, err := m.source.QueryIdentity(ctx)
	if err == nil {
		err = unanswered(id)
	}
	if err != nil {
		return Event{Kind: EventFailed, Identity: id, Err: err}, err
	}
	fp := Fingerprint{IMSI: id.IMSI, ICCID: id.ICCID, SeenAt: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()

	ev := Event{Fingerprint: fp, Identity: id}
	switch {
	case m.current == nil:
		ev.Kind = EventPresent
		m.logger.Info("SIM identified", "imsi", fp.IMSI, "iccid", fp.ICCID)
	case !m.current.Same(fp):
		prev := *m.current
		ev.Kind = EventChanged
		ev.Previous = &prev
		m.state = StateChangeDetected
		m.operator = nil
		m.logger.Info("SIM changed", "from", prev.IMSI, "to", fp.IMSI)
	default:
		ev.Kind = EventConfirmed
	}

	m.current = &fp
	if m.operator == nil {
		rec := m.resolver.Resolve(fp.IMSI, fp.ICCID)
		m.operator = &rec
	}
	ev.Operator = *m.operator
	m.state = StateIdentified
	return ev, nil
}

// unanswered returns the first failure of a fingerprint field that left
// its value unknown rather than absent.
func unanswered(id modem.Identity) error {
	for _, f := range []modem.Field{modem.FieldIMSI, modem.FieldICCID} {
		err := id.Failures[f]
		if err != nil && modem.KindOf(err) != modem.KindRejected {
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

// Run checks immediately and then every interval, sending each event to
// out. It returns when ctx is done.
func (m *Monitor) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		ev, err := m.Check(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Warn("SIM check failed", "error", err)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
