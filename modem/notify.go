package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/simhub/at"
)

// NotificationKind tells what a Notification carries.
type NotificationKind int

const (
	// NotifyMessage carries a message the modem announced with +CMTI.
	NotifyMessage NotificationKind = iota
	// NotifyUSSD carries a USSD answer that arrived while no request was
	// waiting for one.
	NotifyUSSD
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyMessage:
		return "message"
	case NotifyUSSD:
		return "ussd"
	default:
		return "unknown"
	}
}

// Notification is an event the modem produced on its own.
type Notification struct {
	Kind    NotificationKind
	Message *SMS
	USSD    *USSDResult
}

func (m *Modem) notify(n Notification) {
	select {
	case m.notifications <- n:
	default:
		m.logger.Warn("notification channel full, dropping", "kind", n.Kind)
	}
}

// listen consumes the URC channel.
func (m *Modem) listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-m.urcChan:
			m.handleURC(line)
		}
	}
}

func (m *Modem) handleURC(line string) {
	switch {
	case strings.HasPrefix(line, at.UrcUSSD):
		n, err := at.ParseUSSD(line)
		if err != nil {
			m.logger.Warn("malformed USSD notification", "line", line, "error", err)
			return
		}
		if m.deliverUSSD(n) {
			return
		}
		res := m.ussdResult("", "", n)
		m.logger.Info("unsolicited USSD", "status", n.Status, "text", res.Text)
		m.notify(Notification{Kind: NotifyUSSD, USSD: &res})

	case strings.HasPrefix(line, at.UrcNewMsg):
		index, err := parseNewMessage(line)
		if err != nil {
			m.logger.Warn("malformed new message indication", "line", line, "error", err)
			return
		}
		select {
		case m.inbox <- index:
		default:
			m.logger.Warn("inbox full, dropping new message indication", "index", index)
		}

	default:
		m.logger.Debug("unsolicited line", "line", line)
	}
}

// readInbox reads messages announced by +CMTI. It runs apart from the
// listener so that a USSD exchange holding the session still gets its
// answer.
func (m *Modem) readInbox(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case index := <-m.inbox:
			msg, err := m.ReadMessage(ctx, index)
			if err != nil {
				m.logger.Warn("read new message", "index", index, "error", err)
				continue
			}
			m.notify(Notification{Kind: NotifyMessage, Message: &msg})
		}
	}
}

// parseNewMessage extracts the storage index from `+CMTI: "SM",3`.
func parseNewMessage(line string) (int, error) {
	rest := strings.TrimPrefix(line, at.UrcNewMsg)
	i := strings.LastIndex(rest, ",")
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, line)
	}
	return strconv.Atoi(strings.TrimSpace(rest[i+1:]))
}
