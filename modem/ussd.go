package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"i4.energy/across/simhub/at"
)

// USSDState is the outcome of a USSD exchange.
type USSDState string

const (
	// USSDCompleted is a final answer; the network closed the session.
	USSDCompleted USSDState = "completed"
	// USSDContinuation is a menu; the network waits for a reply, which is
	// sent with another SendUSSD call.
	USSDContinuation USSDState = "continuation"
	// USSDTerminated means the network ended the session without an answer.
	USSDTerminated USSDState = "terminated"
	// USSDNotSupported means the network refused the request.
	USSDNotSupported USSDState = "not-supported"
)

// USSDResult is the answer to a USSD request.
type USSDResult struct {
	// ID identifies the request in logs and events.
	ID      string    `json:"id"`
	Command string    `json:"command,omitempty"`
	State   USSDState `json:"state"`
	Text    string    `json:"text"`
	// Raw is the +CUSD line as received.
	Raw string `json:"raw"`
	DCS int    `json:"dcs"`
}

// FurtherInput reports whether the network expects a reply.
func (r USSDResult) FurtherInput() bool {
	return r.State == USSDContinuation
}

// ussdExchange is the pending request an incoming +CUSD is matched to.
type ussdExchange struct {
	id      string
	command string
	answer  chan at.USSDNotification
}

func (m *Modem) setExchange(ex *ussdExchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ussd = ex
}

// deliverUSSD hands n to the pending exchange. It reports false when no
// request is waiting.
func (m *Modem) deliverUSSD(n at.USSDNotification) bool {
	m.mu.Lock()
	ex := m.ussd
	m.mu.Unlock()
	if ex == nil {
		return false
	}
	select {
	case ex.answer <- n:
		return true
	default:
		// already answered
		return false
	}
}

func (m *Modem) ussdResult(id, command string, n at.USSDNotification) USSDResult {
	r := USSDResult{
		ID:      id,
		Command: command,
		Text:    n.Text(m.config.PackedUSSD),
		Raw:     n.Raw,
		DCS:     n.DCS,
	}
	switch n.Status {
	case at.USSDFurtherInput:
		r.State = USSDContinuation
	case at.USSDNotSupported:
		r.State = USSDNotSupported
	case at.USSDTerminated, at.USSDOtherClient:
		r.State = USSDTerminated
	default:
		r.State = USSDCompleted
	}
	return r
}

// SendUSSD sends a USSD string and waits for the network answer, which
// arrives as an unsolicited +CUSD some time after the command's OK. The
// wait is bounded by Config.USSDTimeout; on expiry the session is canceled
// and ErrUSSDTimeout is returned.
//
// A session the network terminated or refused is a result, not an error.
func (m *Modem) SendUSSD(ctx context.Context, code string) (USSDResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return USSDResult{}, fmt.Errorf("%w: empty USSD code", ErrInvalidArgument)
	}
	payload, err := at.EncodeUSSD(code, m.config.PackedUSSD)
	if err != nil {
		return USSDResult{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return USSDResult{}, err
	}
	defer release()

	// The answer may arrive right behind the OK, so the exchange is
	// registered before the command goes out.
	ex := &ussdExchange{
		id:      uuid.NewString(),
		command: code,
		answer:  make(chan at.USSDNotification, 1),
	}
	m.setExchange(ex)
	defer m.setExchange(nil)

	logger := m.logger.With("ussd", ex.id, "code", code)
	logger.Debug("sending USSD")

	if _, err := m.send(ctx, Command{Text: fmt.Sprintf(at.CmdUSSD, payload)}); err != nil {
		var final *at.FinalError
		if errors.As(err, &final) && final.Unsupported() {
			return USSDResult{ID: ex.id, Command: code, State: USSDNotSupported, Raw: final.Line, DCS: -1}, nil
		}
		return USSDResult{}, fmt.Errorf("send USSD %s: %w", code, err)
	}

	timer := time.NewTimer(m.config.USSDTimeout)
	defer timer.Stop()

	select {
	case n := <-ex.answer:
		if n.Status == at.USSDTimedOut {
			return USSDResult{}, fmt.Errorf("send USSD %s: network: %w", code, ErrUSSDTimeout)
		}
		r := m.ussdResult(ex.id, code, n)
		logger.Debug("USSD answered", "state", r.State)
		return r, nil
	case <-timer.C:
		m.cancelSession(ctx)
		return USSDResult{}, fmt.Errorf("send USSD %s: %w", code, ErrUSSDTimeout)
	case <-ctx.Done():
		m.cancelSession(context.WithoutCancel(ctx))
		return USSDResult{}, fmt.Errorf("send USSD %s: %w: %w", code, ErrCanceled, ctx.Err())
	case <-m.done:
		return USSDResult{}, errCanceledByClose
	}
}

// cancelSession ends a USSD session, ignoring failures. The caller holds
// the session.
func (m *Modem) cancelSession(ctx context.Context) {
	if _, err := m.send(ctx, Command{Text: at.CmdUSSDCancel, Timeout: 5 * time.Second}); err != nil {
		m.logger.Debug("cancel USSD session", "error", err)
	}
}

// CancelUSSD ends any open USSD session, for example a menu the caller
// does not want to answer.
func (m *Modem) CancelUSSD(ctx context.Context) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := m.send(ctx, Command{Text: at.CmdUSSDCancel}); err != nil {
		return fmt.Errorf("cancel USSD: %w", err)
	}
	return nil
}
