package at_test

import (
	"testing"

	"i4.energy/across/simhub/at"
)

func TestParseUSSD(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		status  at.USSDStatus
		payload string
		dcs     int
		wantErr bool
	}{
		{name: "terminal answer", line: `+CUSD: 0,"Votre solde est 100 DA",15`, status: at.USSDDone, payload: "Votre solde est 100 DA", dcs: 15},
		{name: "menu", line: `+CUSD: 1,"1. Solde, 2. Offres",15`, status: at.USSDFurtherInput, payload: "1. Solde, 2. Offres", dcs: 15},
		{name: "network terminated", line: "+CUSD: 2", status: at.USSDTerminated, dcs: -1},
		{name: "not supported", line: "+CUSD: 4", status: at.USSDNotSupported, dcs: -1},
		{name: "no space after colon", line: `+CUSD:0,"ok",72`, status: at.USSDDone, payload: "ok", dcs: 72},
		{name: "unquoted payload", line: "+CUSD: 0,AA180C3602,15", status: at.USSDDone, payload: "AA180C3602", dcs: 15},
		{name: "quote inside payload", line: `+CUSD: 0,"Screen 5" inch offer",15`, status: at.USSDDone, payload: `Screen 5" inch offer`, dcs: 15},
		{name: "truncated payload", line: `+CUSD: 0,"Solde: 10`, status: at.USSDDone, payload: "Solde: 10", dcs: -1},
		{name: "garbage status", line: "+CUSD: x", wantErr: true},
		{name: "other line", line: "+CSQ: 1,2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := at.ParseUSSD(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.Status != tt.status {
				t.Errorf("status: expected %v, got %v", tt.status, n.Status)
			}
			if n.Payload != tt.payload {
				t.Errorf("payload: expected %q, got %q", tt.payload, n.Payload)
			}
			if n.DCS != tt.dcs {
				t.Errorf("dcs: expected %d, got %d", tt.dcs, n.DCS)
			}
		})
	}
}

func TestDecodeUSSD(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		dcs     int
		packed  bool
		want    string
	}{
		{name: "plain text", payload: "Balance 10", dcs: 15, want: "Balance 10"},
		{name: "packed gsm7", payload: "AA180C3602", dcs: 15, packed: true, want: "*100#"},
		{name: "ucs2", payload: "0042004F004E", dcs: 72, want: "BON"},
		{name: "ucs2 not hex", payload: "BONJOUR!", dcs: 72, want: "BONJOUR!"},
		{name: "packed but not hex", payload: "hello", dcs: 15, packed: true, want: "hello"},
		{name: "empty", payload: "", dcs: 15, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := at.DecodeUSSD(tt.payload, tt.dcs, tt.packed); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEncodeUSSD(t *testing.T) {
	got, err := at.EncodeUSSD("*100#", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "AA180C3602" {
		t.Errorf("expected AA180C3602, got %s", got)
	}

	got, err = at.EncodeUSSD("*223#", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "*223#" {
		t.Errorf("text mode should pass the code through, got %s", got)
	}
}
