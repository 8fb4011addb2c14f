package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"i4.energy/across/simhub/coordinator"
)

// EventPublisher forwards coordinator events to NATS. Delivery is fire and
// forget: a failed publish is logged and the event is lost.
type EventPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewEventPublisher connects to the NATS server at url.
func NewEventPublisher(url, subject string, logger *slog.Logger) (*EventPublisher, error) {
	opts := []nats.Option{
		nats.Name("simhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &EventPublisher{nc: nc, subject: subject, logger: logger}, nil
}

// eventMessage builds the subject and payload of ev, for example
// "simhub.events.sms_received.12d1:1506:ttyusb2".
func eventMessage(prefix string, ev coordinator.Event) (string, []byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return prefix + "." + string(ev.Kind) + "." + subjectToken(ev.ModemID), payload, nil
}

// subjectToken replaces the characters NATS reserves in subjects.
func subjectToken(s string) string {
	if s == "" {
		return "none"
	}
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}

// Forward publishes events until the channel is closed or ctx is done.
func (p *EventPublisher) Forward(ctx context.Context, events <-chan coordinator.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			subject, payload, err := eventMessage(p.subject, ev)
			if err != nil {
				p.logger.Error("Failed to encode event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := p.nc.Publish(subject, payload); err != nil {
				p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes pending events and closes the connection.
func (p *EventPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
