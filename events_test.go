package main

import (
	"encoding/json"
	"testing"
	"time"

	"i4.energy/across/simhub/coordinator"
	"i4.energy/across/simhub/modem"
)

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "12d1:1506:ttyusb2", want: "12d1:1506:ttyusb2"},
		{in: "manual:tty.usbmodem1", want: "manual:tty_usbmodem1"},
		{in: "a b*c>d", want: "a_b_c_d"},
		{in: "", want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := subjectToken(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEventMessage(t *testing.T) {
	index := 3
	ev := coordinator.Event{
		Kind:    coordinator.EventSMSDeleted,
		ModemID: "12d1:1506:ttyusb2",
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Index:   &index,
	}

	subject, payload, err := eventMessage("simhub.events", ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "simhub.events.sms_deleted.12d1:1506:ttyusb2" {
		t.Errorf("unexpected subject %q", subject)
	}

	var got struct {
		Kind    string `json:"kind"`
		ModemID string `json:"modemId"`
		Index   *int   `json:"index"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("invalid payload %s: %v", payload, err)
	}
	if got.Kind != "sms_deleted" || got.ModemID != ev.ModemID || got.Index == nil || *got.Index != 3 {
		t.Errorf("unexpected payload %s", payload)
	}
}

func TestEventMessageUSSD(t *testing.T) {
	ev := coordinator.Event{
		Kind:    coordinator.EventUSSDReceived,
		ModemID: "a",
		USSD:    &modem.USSDResult{State: modem.USSDCompleted, Text: "Promo"},
	}

	subject, payload, err := eventMessage("hub", ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "hub.ussd_received.a" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !json.Valid(payload) {
		t.Errorf("invalid payload %s", payload)
	}
}
