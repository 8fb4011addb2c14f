package modem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/simhub/at"
)

// Status is the storage status of a message, as used by AT+CMGL.
type Status string

const (
	StatusUnread Status = "REC UNREAD"
	StatusRead   Status = "REC READ"
	StatusUnsent Status = "STO UNSENT"
	StatusSent   Status = "STO SENT"
	StatusAll    Status = "ALL"
)

// categories are queried one by one when the modem rejects "ALL".
var categories = []Status{StatusUnread, StatusRead, StatusUnsent, StatusSent}

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int       `json:"index"`
	Status Status    `json:"status"`
	Number string    `json:"number"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time,omitzero"`
	// RawTime is the service centre timestamp as the modem printed it.
	RawTime string `json:"rawTime,omitempty"`
}

// ListMessages returns every stored message, ordered by index.
//
// Some modems reject the "ALL" listing; the categories are then queried
// one by one and merged. Messages from the categories that answered are
// returned even when others failed.
func (m *Modem) ListMessages(ctx context.Context) ([]SMS, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := m.query(ctx, Command{Text: fmt.Sprintf(at.CmdListMessages, StatusAll)})
	if err == nil {
		msgs := mergeMessages(parseMessageList(resp.Lines))
		m.remember(msgs)
		return msgs, nil
	}
	if KindOf(err) != KindRejected {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	m.logger.Debug("listing all messages rejected, querying per status", "error", err)

	var (
		batches [][]SMS
		errs    []error
	)
	for _, st := range categories {
		resp, err := m.query(ctx, Command{Text: fmt.Sprintf(at.CmdListMessages, st)})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st, err))
			if KindOf(err) == KindFatal {
				return nil, fmt.Errorf("list messages: %w", errors.Join(errs...))
			}
			continue
		}
		batches = append(batches, parseMessageList(resp.Lines))
	}
	if len(errs) == len(categories) {
		return nil, fmt.Errorf("list messages: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		m.logger.Warn("message category unavailable", "error", err)
	}

	msgs := mergeMessages(batches...)
	m.remember(msgs)
	return msgs, nil
}

// mergeMessages joins listings, keeping one message per storage index.
func mergeMessages(batches ...[]SMS) []SMS {
	byIndex := make(map[int]SMS)
	for _, batch := range batches {
		for _, s := range batch {
			if _, seen := byIndex[s.Index]; !seen {
				byIndex[s.Index] = s
			}
		}
	}
	out := make([]SMS, 0, len(byIndex))
	for _, s := range byIndex {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b SMS) int { return a.Index - b.Index })
	return out
}

func (m *Modem) remember(msgs []SMS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.listed)
	for _, s := range msgs {
		m.listed[s.Index] = struct{}{}
	}
}

func (m *Modem) forget(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listed, index)
}

func (m *Modem) wasListed(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listed[index]
	return ok
}

// ReadMessage reads the message at index.
func (m *Modem) ReadMessage(ctx context.Context, index int) (SMS, error) {
	if index < 0 {
		return SMS{}, fmt.Errorf("%w: index %d", ErrInvalidArgument, index)
	}
	release, err := m.acquire(ctx)
	if err != nil {
		return SMS{}, err
	}
	defer release()

	resp, err := m.query(ctx, Command{Text: fmt.Sprintf(at.CmdReadMessage, index)})
	if err != nil {
		var final *at.FinalError
		if errors.As(err, &final) && final.NotFound() {
			return SMS{}, fmt.Errorf("read message %d: %w", index, ErrMessageNotFound)
		}
		return SMS{}, fmt.Errorf("read message %d: %w", index, err)
	}
	if len(resp.Lines) == 0 {
		// empty slot
		return SMS{}, fmt.Errorf("read message %d: %w", index, ErrMessageNotFound)
	}
	s, err := parseMessage(index, resp.Lines)
	if err != nil {
		return SMS{}, fmt.Errorf("read message %d: %w", index, err)
	}
	return s, nil
}

// SendMessage submits a text message and returns the message reference the
// network assigned.
//
// Sending happens in two phases. A failure before the modem prompted for
// the body leaves nothing sent. Once the body was written, losing the modem
// yields ErrIndeterminate: the message may have gone out, and resending it
// risks a duplicate.
func (m *Modem) SendMessage(ctx context.Context, number, text string) (int, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return 0, fmt.Errorf("%w: empty recipient", ErrInvalidArgument)
	}
	if strings.ContainsAny(text, at.CtrlZ+at.Escape) {
		return 0, fmt.Errorf("%w: body contains control characters", ErrInvalidArgument)
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := m.pace(ctx); err != nil {
		return 0, err
	}

	resp, err := m.send(ctx, Command{
		Text:      fmt.Sprintf(at.CmdSendMessage, number),
		Terminals: []string{at.Prompt},
	})
	if err != nil {
		if KindOf(err) == KindTransient {
			// the prompt may still show up; cancel the pending input
			_, _ = m.transport.Write([]byte(at.Escape))
		}
		return 0, fmt.Errorf("send message to %s: %w", number, err)
	}
	if resp.Final != at.Prompt {
		return 0, fmt.Errorf("send message to %s: %w: did not receive prompt, got %q", number, ErrUnexpectedResponse, resp.String())
	}

	resp, err = m.send(ctx, Command{Text: text + at.CtrlZ, Raw: true})
	m.lastSend = time.Now()
	if err != nil {
		if KindOf(err) != KindRejected {
			return 0, fmt.Errorf("send message to %s: %w: %w", number, ErrIndeterminate, err)
		}
		return 0, fmt.Errorf("send message to %s: %w", number, err)
	}

	for _, l := range resp.Lines {
		if v, ok := strings.CutPrefix(l, "+CMGS:"); ok {
			if ref, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return ref, nil
			}
		}
	}
	return 0, nil
}

// pace enforces Config.MinSendInterval between submissions. The caller
// holds the session.
func (m *Modem) pace(ctx context.Context) error {
	if m.config.MinSendInterval <= 0 || m.lastSend.IsZero() {
		return nil
	}
	wait := time.Until(m.lastSend.Add(m.config.MinSendInterval))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting to send: %w", ErrCanceled, ctx.Err())
	case <-m.done:
		return errCanceledByClose
	}
}

// DeleteMessage removes the message at index. Deleting an index that holds
// no message returns ErrMessageNotFound. Modems that answer a plain ERROR
// for an empty slot are understood when the index came from ListMessages.
func (m *Modem) DeleteMessage(ctx context.Context, index int) error {
	if index < 0 {
		return fmt.Errorf("%w: index %d", ErrInvalidArgument, index)
	}
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = m.send(ctx, Command{Text: fmt.Sprintf(at.CmdDeleteMessage, index)})
	if err == nil {
		m.forget(index)
		return nil
	}

	var final *at.FinalError
	if errors.As(err, &final) {
		if final.NotFound() || (final.Kind == at.FinalGeneric && m.wasListed(index)) {
			m.forget(index)
			return fmt.Errorf("delete message %d: %w", index, ErrMessageNotFound)
		}
	}
	return fmt.Errorf("delete message %d: %w", index, err)
}

// parseMessageList parses AT+CMGL output. Each header line is followed by
// the body, which may span several lines.
func parseMessageList(lines []string) []SMS {
	var (
		out     []SMS
		current *SMS
		body    []string
	)
	flush := func() {
		if current != nil {
			current.Text = strings.Join(body, "\n")
			out = append(out, *current)
		}
		current, body = nil, nil
	}

	for _, l := range lines {
		if rest, ok := strings.CutPrefix(l, "+CMGL:"); ok {
			flush()
			fields := splitFields(rest)
			if len(fields) < 3 {
				continue
			}
			index, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			s := SMS{Index: index, Status: Status(fields[1]), Number: fields[2]}
			if len(fields) > 4 {
				s.RawTime = fields[4]
				s.Time, _ = parseTimestamp(s.RawTime)
			}
			current = &s
			continue
		}
		if current != nil {
			body = append(body, l)
		}
	}
	flush()
	return out
}

// parseMessage parses AT+CMGR output:
// +CMGR: <stat>,<oa>,[<alpha>],<scts> followed by the body.
func parseMessage(index int, lines []string) (SMS, error) {
	rest, ok := strings.CutPrefix(lines[0], "+CMGR:")
	if !ok {
		return SMS{}, fmt.Errorf("%w: %q", ErrUnexpectedResponse, lines[0])
	}
	fields := splitFields(rest)
	if len(fields) < 2 {
		return SMS{}, fmt.Errorf("%w: %q", ErrUnexpectedResponse, lines[0])
	}
	s := SMS{Index: index, Status: Status(fields[0]), Number: fields[1]}
	if len(fields) > 3 {
		s.RawTime = fields[3]
		s.Time, _ = parseTimestamp(s.RawTime)
	}
	s.Text = strings.Join(lines[1:], "\n")
	return s, nil
}

// splitFields splits a comma separated parameter list, honouring quotes.
// Quotes are removed and fields trimmed.
func splitFields(s string) []string {
	var (
		fields []string
		b      strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(b.String()))
}

// parseTimestamp parses a service centre timestamp "yy/MM/dd,hh:mm:ss±zz",
// where zz counts quarter hours.
func parseTimestamp(s string) (time.Time, error) {
	const layout = "06/01/02,15:04:05"
	if len(s) < len(layout) {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrUnexpectedResponse, s)
	}
	t, err := time.Parse(layout, s[:len(layout)])
	if err != nil {
		return time.Time{}, err
	}
	zone := s[len(layout):]
	if zone == "" {
		return t, nil
	}
	quarters, err := strconv.Atoi(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp zone %q", ErrUnexpectedResponse, s)
	}
	loc := time.FixedZone("", quarters*15*60)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
}
