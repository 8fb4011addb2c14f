package modem_test

import (
	"context"
	"errors"
	"testing"

	"i4.energy/across/simhub/modem"
)

func TestQueryIdentity(t *testing.T) {
	t.Run("Partial result keeps the reason of the missing field", func(t *testing.T) {
		script := modem.IdentityScript("603020123456789", "8921302000000000001")
		m, _ := startScripted(t, script.Respond)

		id, err := m.QueryIdentity(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.IMSI != "603020123456789" {
			t.Errorf("IMSI: got %q", id.IMSI)
		}
		if id.ICCID != "8921302000000000001" {
			t.Errorf("ICCID: got %q", id.ICCID)
		}
		if id.IMEI != "866123456789012" {
			t.Errorf("IMEI: got %q", id.IMEI)
		}
		if id.MSISDN != "" {
			t.Errorf("MSISDN: expected empty, got %q", id.MSISDN)
		}
		if !errors.Is(id.Failures[modem.FieldMSISDN], modem.ErrFieldAbsent) {
			t.Errorf("expected ErrFieldAbsent for msisdn, got %v", id.Failures[modem.FieldMSISDN])
		}
		if id.Complete() {
			t.Error("identity without msisdn is not complete")
		}
	})

	t.Run("Subscriber number", func(t *testing.T) {
		script := modem.IdentityScript("603020123456789", "8921302000000000001").
			With("AT+CNUM", "\r\n+CNUM: \"\",\"+213661000111\",145\r\n\r\nOK\r\n")
		m, _ := startScripted(t, script.Respond)

		id, err := m.QueryIdentity(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.MSISDN != "+213661000111" {
			t.Errorf("MSISDN: got %q", id.MSISDN)
		}
		if !id.Complete() {
			t.Errorf("unexpected failures: %v", id.Reasons())
		}
	})

	t.Run("Vendor ICCID query with swapped nibbles", func(t *testing.T) {
		script := modem.IdentityScript("603020123456789", "").
			With("AT+CCID", "\r\n+CME ERROR: operation not supported\r\n").
			With("AT^ICCID?", "\r\n^ICCID: 98120302000000000001\r\n\r\nOK\r\n")
		m, _ := startScripted(t, script.Respond)

		id, err := m.QueryIdentity(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.ICCID != "89213020000000000010" {
			t.Errorf("ICCID: got %q", id.ICCID)
		}
	})

	t.Run("Fails when every field fails", func(t *testing.T) {
		m, _ := startScripted(t, modem.InitScript().Respond)

		id, err := m.QueryIdentity(context.Background())
		if err == nil {
			t.Fatal("expected an error")
		}
		if len(id.Failures) != 4 {
			t.Errorf("expected 4 failures, got %v", id.Reasons())
		}
		if modem.KindOf(err) != modem.KindRejected {
			t.Errorf("expected KindRejected, got %v", modem.KindOf(err))
		}
	})
}

func TestReadICCID(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{name: "plain", answer: "8921302000000000001", want: "8921302000000000001"},
		{name: "filler nibble", answer: "8921302000000000001F", want: "8921302000000000001"},
		{name: "swapped, even digits", answer: "98120302000000000001", want: "89213020000000000010"},
		{name: "swapped, odd digits", answer: "981203123254769810F2", want: "8921302123456789012"},
		{name: "swapped, lower case filler", answer: "981203123254769810f2", want: "8921302123456789012"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := startScripted(t, modem.IdentityScript("603020123456789", tt.answer).Respond)

			id, err := m.QueryIdentity(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.ICCID != tt.want {
				t.Errorf("expected %q, got %q", tt.want, id.ICCID)
			}
		})
	}
}
