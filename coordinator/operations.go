package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/simhub/discovery"
	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/operator"
)

// target is a modem selected for one operation.
type target struct {
	entry *entry
	snapshot
}

// resolve selects the modem for an operation. An empty id selects the
// first modem, in connection order, that is Connected.
func (c *Coordinator) resolve(id string) (target, error) {
	if id == "" {
		return c.defaultTarget()
	}
	e, err := c.lookup(id)
	if err != nil {
		return target{}, err
	}
	s := e.snapshot()
	if !s.state.usable() {
		return target{}, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, s.state)
	}
	return target{entry: e, snapshot: s}, nil
}

// usable returns the modems operations can be dispatched to, in
// connection order.
func (c *Coordinator) usable() ([]target, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var out []target
	for _, e := range c.list() {
		if s := e.snapshot(); s.state.usable() {
			out = append(out, target{entry: e, snapshot: s})
		}
	}
	slices.SortFunc(out, func(a, b target) int { return cmp.Compare(a.seq, b.seq) })
	return out, nil
}

func (c *Coordinator) defaultTarget() (target, error) {
	targets, err := c.usable()
	if err != nil {
		return target{}, err
	}
	for _, t := range targets {
		if t.state == StateConnected {
			return t, nil
		}
	}
	return target{}, ErrNotConnected
}

// roundRobin picks the next usable modem. The cursor advances on every
// call, whatever the outcome of the operation.
func (c *Coordinator) roundRobin() (target, error) {
	targets, err := c.usable()
	if err != nil {
		return target{}, err
	}
	if len(targets) == 0 {
		return target{}, ErrNotConnected
	}
	n := c.rr.Add(1) - 1
	return targets[n%uint64(len(targets))], nil
}

// call runs fn against the modem of t and records its outcome.
func call[T any](c *Coordinator, op string, t target, fn func(Engine) (T, error)) (T, error) {
	start := time.Now()
	v, err := fn(t.engine)
	c.metrics.observe(op, err, time.Since(start))
	c.observe(t.entry, t.gen, err)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s on %s: %w", op, t.entry.id, err)
	}
	return v, nil
}

// Status is the state of one modem.
type Status struct {
	ID           string           `json:"id"`
	State        State            `json:"state"`
	Handle       discovery.Handle `json:"handle"`
	Signal       modem.Signal     `json:"signal"`
	Operator     string           `json:"operator,omitempty"`
	LastActivity time.Time        `json:"lastActivity"`
}

// Status queries the signal of a modem and emits a status update.
func (c *Coordinator) Status(ctx context.Context, id string) (Status, error) {
	t, err := c.resolve(id)
	if err != nil {
		return Status{}, err
	}
	return c.status(ctx, t)
}

func (c *Coordinator) status(ctx context.Context, t target) (Status, error) {
	sig, err := call(c, "status", t, func(eng Engine) (modem.Signal, error) {
		return eng.GetSignal(ctx)
	})
	if err != nil {
		return Status{}, err
	}

	s := t.entry.snapshot()
	st := Status{
		ID:           t.entry.id,
		State:        s.state,
		Handle:       s.handle,
		Signal:       sig,
		LastActivity: t.engine.LastActivity(),
	}
	if s.monitor != nil {
		if op, ok := s.monitor.Operator(); ok {
			st.Operator = op.Name
		}
	}
	c.emit(Event{Kind: EventStatusUpdate, ModemID: st.ID, State: st.State, Signal: &sig, Network: sig.Network})
	return st, nil
}

// StatusResult is the entry of one modem in StatusAll.
type StatusResult struct {
	ID     string  `json:"id"`
	Status *Status `json:"status,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// StatusAll queries every usable modem concurrently. A failing modem does
// not fail the others; its result carries the error.
func (c *Coordinator) StatusAll(ctx context.Context) ([]StatusResult, error) {
	targets, err := c.usable()
	if err != nil {
		return nil, err
	}

	results := make([]StatusResult, len(targets))
	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, t := range targets {
		g.Go(func() error {
			results[i].ID = t.entry.id
			st, err := c.status(ctx, t)
			if err != nil {
				results[i].Err = err
				results[i].Error = err.Error()
				return nil
			}
			results[i].Status = &st
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// SIMInfo is the identity of a modem's SIM and its operator.
type SIMInfo struct {
	ID       string                 `json:"id"`
	Identity modem.Identity         `json:"identity"`
	Failures map[modem.Field]string `json:"failures,omitempty"`
	Operator operator.Record        `json:"operator"`
}

// SIMInfo reads the identity of a modem's SIM. Fields that could not be
// read are reported in Failures.
func (c *Coordinator) SIMInfo(ctx context.Context, id string) (SIMInfo, error) {
	t, err := c.resolve(id)
	if err != nil {
		return SIMInfo{}, err
	}
	ident, err := call(c, "sim_info", t, func(eng Engine) (modem.Identity, error) {
		return eng.QueryIdentity(ctx)
	})
	if err != nil {
		return SIMInfo{}, err
	}
	return SIMInfo{
		ID:       t.entry.id,
		Identity: ident,
		Failures: ident.Reasons(),
		Operator: c.catalog.Resolve(ident.IMSI, ident.ICCID),
	}, nil
}

// ListMessages lists the messages stored on a modem.
func (c *Coordinator) ListMessages(ctx context.Context, id string) ([]modem.SMS, error) {
	t, err := c.resolve(id)
	if err != nil {
		return nil, err
	}
	return call(c, "list_messages", t, func(eng Engine) ([]modem.SMS, error) {
		return eng.ListMessages(ctx)
	})
}

// SendResult identifies a sent message.
type SendResult struct {
	ModemID   string `json:"modemId"`
	Reference int    `json:"reference"`
}

// SendMessage sends an SMS. Without an id the modems take turns. An
// outcome that may or may not have been delivered matches
// modem.ErrIndeterminate and must not be retried blindly.
func (c *Coordinator) SendMessage(ctx context.Context, id, number, text string) (SendResult, error) {
	var (
		t   target
		err error
	)
	if id == "" {
		t, err = c.roundRobin()
	} else {
		t, err = c.resolve(id)
	}
	if err != nil {
		return SendResult{}, err
	}
	ref, err := call(c, "send_message", t, func(eng Engine) (int, error) {
		return eng.SendMessage(ctx, number, text)
	})
	if err != nil {
		return SendResult{ModemID: t.entry.id}, err
	}
	return SendResult{ModemID: t.entry.id, Reference: ref}, nil
}

// DeleteMessage deletes a stored message and emits sms_deleted.
func (c *Coordinator) DeleteMessage(ctx context.Context, id string, index int) error {
	t, err := c.resolve(id)
	if err != nil {
		return err
	}
	_, err = call(c, "delete_message", t, func(eng Engine) (struct{}, error) {
		return struct{}{}, eng.DeleteMessage(ctx, index)
	})
	if err != nil {
		return err
	}
	c.emit(Event{Kind: EventSMSDeleted, ModemID: t.entry.id, Index: &index})
	return nil
}

// SendUSSD sends a USSD code and waits for the answer.
func (c *Coordinator) SendUSSD(ctx context.Context, id, code string) (modem.USSDResult, error) {
	t, err := c.resolve(id)
	if err != nil {
		return modem.USSDResult{}, err
	}
	return c.sendUSSD(ctx, t, code)
}

func (c *Coordinator) sendUSSD(ctx context.Context, t target, code string) (modem.USSDResult, error) {
	return call(c, "send_ussd", t, func(eng Engine) (modem.USSDResult, error) {
		return eng.SendUSSD(ctx, code)
	})
}

// CancelUSSD closes the USSD session of a modem.
func (c *Coordinator) CancelUSSD(ctx context.Context, id string) error {
	t, err := c.resolve(id)
	if err != nil {
		return err
	}
	_, err = call(c, "cancel_ussd", t, func(eng Engine) (struct{}, error) {
		return struct{}{}, eng.CancelUSSD(ctx)
	})
	return err
}

// Operator returns the operator of a modem's SIM, as last resolved by its
// monitor or read now when the monitor has not run yet.
func (c *Coordinator) Operator(ctx context.Context, id string) (operator.Record, error) {
	t, err := c.resolve(id)
	if err != nil {
		return operator.Record{}, err
	}
	return c.operatorOf(ctx, t)
}

func (c *Coordinator) operatorOf(ctx context.Context, t target) (operator.Record, error) {
	if t.monitor != nil {
		if op, ok := t.monitor.Operator(); ok {
			return op, nil
		}
	}
	ident, err := call(c, "sim_info", t, func(eng Engine) (modem.Identity, error) {
		return eng.QueryIdentity(ctx)
	})
	if err != nil {
		return operator.Record{}, err
	}
	return c.catalog.Resolve(ident.IMSI, ident.ICCID), nil
}

// ServiceCode sends the operator's USSD code for service, with params
// substituted into its template.
func (c *Coordinator) ServiceCode(ctx context.Context, id, service string, params map[string]string) (modem.USSDResult, error) {
	t, err := c.resolve(id)
	if err != nil {
		return modem.USSDResult{}, err
	}
	op, err := c.operatorOf(ctx, t)
	if err != nil {
		return modem.USSDResult{}, err
	}
	code, err := op.Code(service, params)
	if err != nil {
		return modem.USSDResult{}, err
	}
	return c.sendUSSD(ctx, t, code)
}

// Balance queries the account balance through the operator's USSD code.
func (c *Coordinator) Balance(ctx context.Context, id string) (modem.USSDResult, error) {
	return c.ServiceCode(ctx, id, operator.ServiceBalance, nil)
}

// DataBalance queries the data allowance through the operator's USSD code.
func (c *Coordinator) DataBalance(ctx context.Context, id string) (modem.USSDResult, error) {
	return c.ServiceCode(ctx, id, operator.ServiceDataBalance, nil)
}

// Recharge tops the account up with a voucher code.
func (c *Coordinator) Recharge(ctx context.Context, id, voucher string) (modem.USSDResult, error) {
	return c.ServiceCode(ctx, id, operator.ServiceRecharge, map[string]string{"code": voucher})
}
