// Package coordinator drives many modems from one process. It owns the
// registry of known modems, their connection lifecycle and the routing of
// operations to the right modem.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/simhub/discovery"
	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/monitor"
	"i4.energy/across/simhub/operator"
)

// State is the connection state of a modem.
type State string

const (
	StateDiscovered   State = "discovered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

var allStates = []State{StateDiscovered, StateConnecting, StateConnected, StateDegraded, StateDisconnected}

// usable reports whether operations may be dispatched in state s.
func (s State) usable() bool {
	return s == StateConnected || s == StateDegraded
}

// Engine is a connected modem. *modem.Modem implements it.
type Engine interface {
	Run(ctx context.Context) error
	Close() error
	Info() modem.HardwareInfo
	LastActivity() time.Time
	Notifications() <-chan modem.Notification

	QueryIdentity(ctx context.Context) (modem.Identity, error)
	GetSignal(ctx context.Context) (modem.Signal, error)
	ListMessages(ctx context.Context) ([]modem.SMS, error)
	SendMessage(ctx context.Context, number, text string) (int, error)
	DeleteMessage(ctx context.Context, index int) error
	SendUSSD(ctx context.Context, code string) (modem.USSDResult, error)
	CancelUSSD(ctx context.Context) error
}

// Connector opens the endpoint of a handle and returns the initialized
// modem.
type Connector func(ctx context.Context, h discovery.Handle) (Engine, error)

// ModemConnector connects through the dialer returned by dialerFor and
// lets configure adjust the modem configuration.
func ModemConnector(dialerFor func(h discovery.Handle) modem.Dialer, configure func(b *modem.ConfigBuilder)) Connector {
	return func(ctx context.Context, h discovery.Handle) (Engine, error) {
		b := modem.NewConfigBuilder().WithDialer(dialerFor(h))
		if configure != nil {
			configure(b)
		}
		config, err := b.Build()
		if err != nil {
			return nil, err
		}
		m, err := modem.New(ctx, config)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Scanner finds modems. *discovery.Scanner implements it.
type Scanner interface {
	Scan(ctx context.Context, owned func(path string) bool) (discovery.Result, error)
}

// Config configures a Coordinator.
type Config struct {
	Scanner Scanner
	Connect Connector
	Catalog *operator.Catalog
	// MaxModems bounds the number of modems connected at once.
	MaxModems int
	// StatusParallelism bounds the fan-out of StatusAll.
	StatusParallelism int
	// PollInterval is the SIM monitor interval.
	PollInterval time.Duration
	Metrics      *Metrics
	Logger       *slog.Logger
}

const (
	DefaultMaxModems         = 10
	DefaultStatusParallelism = 4
)

// entry is one registry slot. Its mutex guards the connection state and
// the ownership of the engine, which always change together.
type entry struct {
	id string
	// pinned entries were added by hand and survive rescans.
	pinned bool

	mu      sync.Mutex
	handle  discovery.Handle
	state   State
	gen     uint64
	seq     uint64
	engine  Engine
	monitor *monitor.Monitor
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// snapshot is a consistent view of an entry taken under its lock.
type snapshot struct {
	handle  discovery.Handle
	state   State
	gen     uint64
	seq     uint64
	engine  Engine
	monitor *monitor.Monitor
	lastErr error
}

func (e *entry) snapshot() snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{
		handle:  e.handle,
		state:   e.state,
		gen:     e.gen,
		seq:     e.seq,
		engine:  e.engine,
		monitor: e.monitor,
		lastErr: e.lastErr,
	}
}

// Coordinator owns the registry of modems.
type Coordinator struct {
	scanner     Scanner
	connect     Connector
	catalog     *operator.Catalog
	maxModems   int
	parallelism int
	interval    time.Duration
	metrics     *Metrics
	logger      *slog.Logger
	events      broadcaster

	// mu guards entries. It is never held across modem I/O and is always
	// taken before an entry lock, never after.
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	connected atomic.Int32
	seq       atomic.Uint64
	rr        atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator.
func New(config Config) *Coordinator {
	c := &Coordinator{
		scanner:     config.Scanner,
		connect:     config.Connect,
		catalog:     config.Catalog,
		maxModems:   cmp.Or(config.MaxModems, DefaultMaxModems),
		parallelism: cmp.Or(config.StatusParallelism, DefaultStatusParallelism),
		interval:    config.PollInterval,
		metrics:     config.Metrics,
		logger:      config.Logger,
		entries:     make(map[string]*entry),
	}
	if c.catalog == nil {
		c.catalog = operator.Default()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.events.dropped = func(ev Event) {
		c.metrics.droppedEvent()
		c.logger.Warn("Subscriber full, dropping event", "kind", ev.Kind, "modem", ev.ModemID)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

func (c *Coordinator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.metrics.emitted(ev.Kind)
	c.events.publish(ev)
}

func (c *Coordinator) lookup(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModem, id)
	}
	return e, nil
}

// list returns the entries ordered by id.
func (c *Coordinator) list() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return cmp.Compare(a.id, b.id) })
	return out
}

// owns reports whether path belongs to a modem in use.
func (c *Coordinator) owns(path string) bool {
	for _, e := range c.list() {
		s := e.snapshot()
		if s.handle.Path == path && (s.state == StateConnecting || s.state.usable()) {
			return true
		}
	}
	return false
}

func (c *Coordinator) refreshStates() {
	if c.metrics == nil {
		return
	}
	counts := make(map[State]int)
	for _, e := range c.list() {
		counts[e.snapshot().state]++
	}
	c.metrics.setStates(counts)
}

// Add registers a handle as discovered unless it is already known. The
// entry is kept by DetectAll even when a scan does not report its endpoint.
func (c *Coordinator) Add(h discovery.Handle) error {
	if h.ID == "" || h.Path == "" {
		return errors.New("handle needs an id and a path")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.entries[h.ID]; !ok {
		c.entries[h.ID] = &entry{id: h.ID, pinned: true, handle: h, state: StateDiscovered}
	}
	c.mu.Unlock()

	c.refreshStates()
	return nil
}

// DetectAll scans for modems and adds new ones as discovered, without
// connecting them. Endpoints in use are not probed. Idle entries whose
// endpoint disappeared are removed.
func (c *Coordinator) DetectAll(ctx context.Context) ([]discovery.Handle, error) {
	if c.scanner == nil {
		return nil, errors.New("no scanner configured")
	}
	res, err := c.scanner.Scan(ctx, c.owns)
	if err != nil {
		return nil, fmt.Errorf("detect modems: %w", err)
	}

	present := make(map[string]struct{}, len(res.Present))
	for _, p := range res.Present {
		present[p] = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	pinned := make(map[string]struct{})
	for _, e := range c.entries {
		if e.pinned {
			pinned[e.handle.Path] = struct{}{}
		}
	}
	for _, h := range res.Modems {
		if _, ok := pinned[h.Path]; ok {
			continue
		}
		if _, ok := c.entries[h.ID]; !ok {
			c.entries[h.ID] = &entry{id: h.ID, handle: h, state: StateDiscovered}
			c.logger.Info("Modem discovered", "modem", h.ID, "path", h.Path)
		}
	}
	for id, e := range c.entries {
		if e.pinned {
			continue
		}
		s := e.snapshot()
		if _, ok := present[s.handle.Path]; ok {
			continue
		}
		if s.state == StateDiscovered || s.state == StateDisconnected {
			delete(c.entries, id)
			c.logger.Info("Modem removed", "modem", id, "path", s.handle.Path)
		}
	}
	c.mu.Unlock()

	c.refreshStates()
	return res.Modems, nil
}

// Connect opens the modem and starts its SIM monitor. The per-modem lock
// is released while the modem initializes; a Disconnect in the meantime
// aborts the connection. A degraded modem is closed and opened again.
func (c *Coordinator) Connect(ctx context.Context, id string) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	if e.snapshot().state == StateDegraded {
		c.logger.Info("Reopening degraded modem", "modem", id)
		if err := c.disconnect(e); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("Closing degraded modem", "modem", id, "error", err)
		}
	}

	e.mu.Lock()
	if e.state == StateConnecting || e.state.usable() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	}
	if !c.reserve() {
		e.mu.Unlock()
		return fmt.Errorf("%w: limit is %d", ErrLimitExceeded, c.maxModems)
	}
	e.state = StateConnecting
	e.gen++
	gen := e.gen
	h := e.handle
	e.mu.Unlock()

	c.refreshStates()
	c.logger.Info("Connecting modem", "modem", id, "path", h.Path)

	eng, err := c.connect(ctx, h)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		if eng != nil {
			eng.Close()
		}
		c.release()
		return fmt.Errorf("%w: %s", ErrConnectAborted, id)
	}
	if err != nil {
		e.state = StateDisconnected
		e.lastErr = err
		e.mu.Unlock()
		c.release()
		c.refreshStates()
		c.emit(Event{Kind: EventStatusUpdate, ModemID: id, State: StateDisconnected, Error: err.Error()})
		return fmt.Errorf("connect %s: %w", id, err)
	}

	info := eng.Info()
	e.handle.Model = info.Model
	e.handle.Firmware = info.Firmware
	runCtx, cancel := context.WithCancel(c.ctx)
	mon := monitor.New(eng, c.catalog, c.interval, c.logger.With("component", "monitor", "modem", id))
	e.engine = eng
	e.monitor = mon
	e.cancel = cancel
	e.done = make(chan struct{})
	e.seq = c.seq.Add(1)
	e.lastErr = nil
	e.state = StateConnected
	c.start(runCtx, e, gen, eng, mon, e.done)
	e.mu.Unlock()

	c.refreshStates()
	c.logger.Info("Modem connected", "modem", id, "model", info.Model, "firmware", info.Firmware)
	c.emit(Event{Kind: EventStatusUpdate, ModemID: id, State: StateConnected})
	return nil
}

func (c *Coordinator) reserve() bool {
	for {
		n := c.connected.Load()
		if int(n) >= c.maxModems {
			return false
		}
		if c.connected.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Coordinator) release() {
	c.connected.Add(-1)
}

// start runs the modem, its SIM monitor and its notification forwarder.
// done is closed once all of them returned.
func (c *Coordinator) start(ctx context.Context, e *entry, gen uint64, eng Engine, mon *monitor.Monitor, done chan struct{}) {
	logger := c.logger.With("modem", e.id)
	events := make(chan monitor.Event)

	var wg sync.WaitGroup
	wg.Go(func() {
		err := eng.Run(ctx)
		if ctx.Err() == nil {
			logger.Warn("Modem lost", "error", err)
			c.lost(e, gen, err)
		}
	})
	wg.Go(func() {
		_ = mon.Run(ctx, events)
	})
	wg.Go(func() {
		for {
			select {
			case ev := <-events:
				c.handleMonitor(e, gen, ev)
			case <-ctx.Done():
				return
			}
		}
	})
	wg.Go(func() {
		for {
			select {
			case n := <-eng.Notifications():
				c.handleNotification(e.id, n)
			case <-ctx.Done():
				return
			}
		}
	})
	go func() {
		wg.Wait()
		close(done)
	}()
}

// lost moves a modem whose channel failed to Disconnected.
func (c *Coordinator) lost(e *entry, gen uint64, cause error) {
	e.mu.Lock()
	if e.gen != gen || !e.state.usable() {
		e.mu.Unlock()
		return
	}
	eng, cancel := e.engine, e.cancel
	e.engine = nil
	e.monitor = nil
	e.state = StateDisconnected
	e.lastErr = cause
	e.gen++
	cancel()
	eng.Close()
	e.mu.Unlock()

	c.release()
	c.refreshStates()
	ev := Event{Kind: EventStatusUpdate, ModemID: e.id, State: StateDisconnected}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.emit(ev)
}

func (c *Coordinator) handleMonitor(e *entry, gen uint64, ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventPresent, monitor.EventChanged:
		c.observe(e, gen, nil)
		op := ev.Operator
		c.emit(Event{Kind: EventSIMChange, ModemID: e.id, Operator: &op})
	case monitor.EventConfirmed:
		c.observe(e, gen, nil)
	case monitor.EventFailed:
		c.observe(e, gen, ev.Err)
	}
}

func (c *Coordinator) handleNotification(id string, n modem.Notification) {
	switch n.Kind {
	case modem.NotifyMessage:
		c.emit(Event{Kind: EventSMSReceived, ModemID: id, Message: n.Message})
	case modem.NotifyUSSD:
		c.logger.Info("Out-of-band USSD", "modem", id, "text", n.USSD.Text)
		c.emit(Event{Kind: EventUSSDReceived, ModemID: id, USSD: n.USSD})
	}
}

// observe applies the outcome of an operation to the modem's state:
// exhausted retries degrade it, any success restores it.
func (c *Coordinator) observe(e *entry, gen uint64, err error) {
	var next State
	switch {
	case err == nil:
		next = StateConnected
	case errors.Is(err, modem.ErrRetriesExhausted):
		next = StateDegraded
	default:
		return
	}

	e.mu.Lock()
	if e.gen != gen || !e.state.usable() || e.state == next {
		e.mu.Unlock()
		return
	}
	e.state = next
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()

	c.refreshStates()
	c.logger.Info("Modem state changed", "modem", e.id, "state", next)
	ev := Event{Kind: EventStatusUpdate, ModemID: e.id, State: next}
	if err != nil {
		ev.Error = err.Error()
	}
	c.emit(ev)
}

// Disconnect stops the monitor and closes the modem. A command in flight
// fails with modem.ErrCanceled.
func (c *Coordinator) Disconnect(id string) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.disconnect(e)
}

func (c *Coordinator) disconnect(e *entry) error {
	e.mu.Lock()
	switch {
	case e.state == StateConnecting:
		// Connect notices the new generation and backs out.
		e.state = StateDisconnected
		e.gen++
		e.mu.Unlock()
		c.refreshStates()
		return nil
	case !e.state.usable():
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, e.id)
	}

	eng, cancel, done := e.engine, e.cancel, e.done
	e.engine = nil
	e.monitor = nil
	e.state = StateDisconnected
	e.lastErr = nil
	e.gen++
	cancel()
	closeErr := eng.Close()
	e.mu.Unlock()

	c.release()
	<-done

	c.refreshStates()
	c.logger.Info("Modem disconnected", "modem", e.id)
	c.emit(Event{Kind: EventStatusUpdate, ModemID: e.id, State: StateDisconnected})
	if closeErr != nil && !errors.Is(closeErr, modem.ErrAlreadyClosed) {
		return fmt.Errorf("close %s: %w", e.id, closeErr)
	}
	return nil
}

// Info describes a registry entry.
type Info struct {
	Handle   discovery.Handle `json:"handle"`
	State    State            `json:"state"`
	Operator string           `json:"operator,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Modems lists every registry entry.
func (c *Coordinator) Modems() []Info {
	var out []Info
	for _, e := range c.list() {
		s := e.snapshot()
		info := Info{Handle: s.handle, State: s.state}
		if s.monitor != nil {
			if op, ok := s.monitor.Operator(); ok {
				info.Operator = op.Name
			}
		}
		if s.lastErr != nil {
			info.Error = s.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// Close disconnects every modem and ends all subscriptions.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := c.disconnect(e); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	c.cancel()
	c.events.close()
	return errors.Join(errs...)
}
