package modem_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"i4.energy/across/simhub/modem"
)

func TestSendUSSD(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		state modem.USSDState
		text  string
	}{
		{
			name:  "final answer",
			reply: "\r\nOK\r\n\r\n+CUSD: 0,\"Votre solde est 100 DA\",15\r\n",
			state: modem.USSDCompleted,
			text:  "Votre solde est 100 DA",
		},
		{
			name:  "menu",
			reply: "\r\nOK\r\n\r\n+CUSD: 1,\"1. Solde\n2. Offres\",15\r\n",
			state: modem.USSDContinuation,
			text:  "1. Solde\n2. Offres",
		},
		{
			name:  "answer split over lines",
			reply: "\r\nOK\r\n\r\n+CUSD: 0,\"Solde: 100 DA\r\nValide 30j\",15\r\n",
			state: modem.USSDCompleted,
			text:  "Solde: 100 DA\nValide 30j",
		},
		{
			name:  "quote inside the answer",
			reply: "\r\nOK\r\n\r\n+CUSD: 0,\"Screen 5\" inch offer\",15\r\n",
			state: modem.USSDCompleted,
			text:  "Screen 5\" inch offer",
		},
		{
			name:  "truncated answer ended by a status report",
			reply: "\r\nOK\r\n\r\n+CUSD: 0,\"Solde: 10\r\n\r\n^RSSI: 14\r\n",
			state: modem.USSDCompleted,
			text:  "Solde: 10",
		},
		{
			name:  "terminated by network",
			reply: "\r\nOK\r\n\r\n+CUSD: 2\r\n",
			state: modem.USSDTerminated,
		},
		{
			name:  "not supported",
			reply: "\r\nOK\r\n\r\n+CUSD: 4\r\n",
			state: modem.USSDNotSupported,
		},
		{
			name:  "rejected by the modem",
			reply: "\r\n+CME ERROR: operation not supported\r\n",
			state: modem.USSDNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := modem.InitScript().With(`AT+CUSD=1,"*100#",15`, tt.reply)
			m, _ := startScripted(t, script.Respond)

			res, err := m.SendUSSD(context.Background(), "*100#")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.State != tt.state {
				t.Errorf("state: expected %s, got %s", tt.state, res.State)
			}
			if res.Text != tt.text {
				t.Errorf("text: expected %q, got %q", tt.text, res.Text)
			}
			if res.FurtherInput() != (tt.state == modem.USSDContinuation) {
				t.Errorf("FurtherInput: unexpected %v", res.FurtherInput())
			}
			if res.ID == "" {
				t.Error("expected a request id")
			}
		})
	}
}

func TestUSSDAnswerKeepsCommandsFlowing(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{name: "odd number of quotes", answer: "+CUSD: 0,\"Screen 5\" inch offer\",15"},
		{name: "closing quote never arrives", answer: "+CUSD: 0,\"Solde: 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := modem.InitScript().
				With(`AT+CUSD=1,"*100#",15`, "\r\nOK\r\n\r\n"+tt.answer+"\r\n").
				With("AT+CUSD=2", "\r\nOK\r\n").
				With("AT+CSQ", "\r\n+CSQ: 10,99\r\n\r\nOK\r\n")
			m, _ := startScripted(t, script.Respond, func(b *modem.ConfigBuilder) {
				b.WithUSSDTimeout(200 * time.Millisecond)
			})

			// the unterminated answer may time out; what matters is the next command
			_, _ = m.SendUSSD(context.Background(), "*100#")

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sig, err := m.GetSignal(ctx)
			if err != nil {
				t.Fatalf("command after the USSD answer failed: %v", err)
			}
			if sig.DBm != -93 {
				t.Errorf("expected -93 dBm, got %+v", sig)
			}
		})
	}
}

func TestSendUSSDPacked(t *testing.T) {
	// *100# packed is AA180C3602; the answer "*100#" comes back packed too
	script := modem.InitScript().With(`AT+CUSD=1,"AA180C3602",15`, "\r\nOK\r\n\r\n+CUSD: 0,\"AA180C3602\",15\r\n")
	m, _ := startScripted(t, script.Respond, func(b *modem.ConfigBuilder) {
		b.WithPackedUSSD(true)
	})

	res, err := m.SendUSSD(context.Background(), "*100#")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "*100#" {
		t.Errorf("expected decoded text *100#, got %q", res.Text)
	}
}

func TestSendUSSDTimeout(t *testing.T) {
	script := modem.InitScript().
		With(`AT+CUSD=1,"*100#",15`, "\r\nOK\r\n").
		With("AT+CUSD=2", "\r\nOK\r\n")
	m, transport := startScripted(t, script.Respond, func(b *modem.ConfigBuilder) {
		b.WithUSSDTimeout(100 * time.Millisecond)
	})

	_, err := m.SendUSSD(context.Background(), "*100#")
	if !errors.Is(err, modem.ErrUSSDTimeout) {
		t.Fatalf("expected ErrUSSDTimeout, got %v", err)
	}
	if !slices.Contains(transport.Written(), "AT+CUSD=2") {
		t.Errorf("expected the session to be canceled, wrote %q", transport.Written())
	}
}

func TestSendUSSDEmptyCode(t *testing.T) {
	m, _ := startScripted(t, modem.InitScript().Respond)

	if _, err := m.SendUSSD(context.Background(), "  "); !errors.Is(err, modem.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestUnsolicitedUSSD(t *testing.T) {
	m, transport := startScripted(t, modem.InitScript().Respond)

	transport.SendData("\r\n+CUSD: 0,\"Promo: 1Go offert\",15\r\n")

	select {
	case n := <-m.Notifications():
		if n.Kind != modem.NotifyUSSD || n.USSD == nil {
			t.Fatalf("expected a USSD notification, got %+v", n)
		}
		if n.USSD.Text != "Promo: 1Go offert" {
			t.Errorf("unexpected text %q", n.USSD.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for unsolicited USSD")
	}
}

func TestCancelUSSD(t *testing.T) {
	script := modem.InitScript().With("AT+CUSD=2", "\r\nOK\r\n")
	m, _ := startScripted(t, script.Respond)

	if err := m.CancelUSSD(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
