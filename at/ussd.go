package at

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/sms/encoding/gsm7"
	"github.com/warthog618/sms/encoding/ucs2"
)

// USSDStatus is the <m> field of a +CUSD notification.
type USSDStatus int

const (
	USSDDone         USSDStatus = 0 // no further action required
	USSDFurtherInput USSDStatus = 1 // network expects an answer (menu)
	USSDTerminated   USSDStatus = 2 // terminated by the network
	USSDOtherClient  USSDStatus = 3 // another local client has responded
	USSDNotSupported USSDStatus = 4 // operation not supported
	USSDTimedOut     USSDStatus = 5 // network time out
)

func (s USSDStatus) String() string {
	switch s {
	case USSDDone:
		return "done"
	case USSDFurtherInput:
		return "further-input"
	case USSDTerminated:
		return "terminated"
	case USSDOtherClient:
		return "other-client"
	case USSDNotSupported:
		return "not-supported"
	case USSDTimedOut:
		return "timed-out"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// USSDNotification is a parsed +CUSD line.
type USSDNotification struct {
	Status  USSDStatus
	Payload string // as sent by the modem, still encoded
	DCS     int    // -1 when absent
	Raw     string
}

// ParseUSSD parses `+CUSD: <m>[,"<str>"[,<dcs>]]`.
func ParseUSSD(line string) (USSDNotification, error) {
	n := USSDNotification{DCS: -1, Raw: line}
	if !strings.HasPrefix(line, UrcUSSD) {
		return n, fmt.Errorf("not a USSD notification: %q", line)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, UrcUSSD))

	head, tail, _ := strings.Cut(rest, ",")
	status, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return n, fmt.Errorf("parse USSD status %q: %w", head, err)
	}
	n.Status = USSDStatus(status)

	tail = strings.TrimSpace(tail)
	if tail == "" {
		return n, nil
	}
	if strings.HasPrefix(tail, `"`) {
		end := strings.LastIndex(tail, `"`)
		if end <= 0 {
			// Truncated answer: keep what arrived.
			n.Payload = tail[1:]
			return n, nil
		}
		n.Payload = tail[1:end]
		tail = strings.TrimPrefix(strings.TrimSpace(tail[end+1:]), ",")
	} else {
		n.Payload, tail, _ = strings.Cut(tail, ",")
	}
	if tail = strings.TrimSpace(tail); tail != "" {
		if dcs, err := strconv.Atoi(tail); err == nil {
			n.DCS = dcs
		}
	}
	return n, nil
}

type alphabet int

const (
	alphaGSM7 alphabet = iota
	alpha8Bit
	alphaUCS2
)

// 3GPP TS 23.038 section 5, cell broadcast data coding scheme.
func dcsAlphabet(dcs int) alphabet {
	switch {
	case dcs < 0:
		return alphaGSM7
	case dcs&0xf0 == 0x00, dcs&0xf0 == 0x20, dcs&0xf0 == 0x30:
		return alphaGSM7
	case dcs == 0x10:
		return alphaGSM7
	case dcs == 0x11:
		return alphaUCS2
	case dcs&0xc0 == 0x40, dcs&0xf0 == 0x90:
		switch (dcs >> 2) & 0x03 {
		case 1:
			return alpha8Bit
		case 2:
			return alphaUCS2
		}
	case dcs&0xf0 == 0xf0:
		if dcs&0x04 != 0 {
			return alpha8Bit
		}
	}
	return alphaGSM7
}

// Text decodes the payload according to its coding scheme. packed tells
// whether GSM 7-bit payloads arrive as packed septets in hex, which is what
// Huawei firmware does unless ^USSDMODE=0 is set. A payload that does not
// decode is returned unchanged.
func (n USSDNotification) Text(packed bool) string {
	return DecodeUSSD(n.Payload, n.DCS, packed)
}

// DecodeUSSD turns a +CUSD payload into text.
func DecodeUSSD(payload string, dcs int, packed bool) string {
	if payload == "" {
		return ""
	}
	switch dcsAlphabet(dcs) {
	case alphaUCS2:
		if len(payload)%4 != 0 {
			return payload
		}
		raw, err := hex.DecodeString(payload)
		if err != nil {
			return payload
		}
		runes, err := ucs2.Decode(raw)
		if err != nil {
			return payload
		}
		if dcs == 0x11 && len(runes) > 1 {
			// language indication occupies the first character
			runes = runes[1:]
		}
		return string(runes)
	case alpha8Bit:
		raw, err := hex.DecodeString(payload)
		if err != nil {
			return payload
		}
		return string(raw)
	}

	if !packed {
		return payload
	}
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return payload
	}
	septets := gsm7.Unpack7Bit(raw, 0)
	// 3GPP TS 23.038 6.1.2.3.1: CR pads the final octet
	if len(raw)*8%7 == 0 && len(septets) > 0 && septets[len(septets)-1] == '\r' {
		septets = septets[:len(septets)-1]
	}
	d := gsm7.NewDecoder()
	text, err := d.Decode(septets)
	if err != nil {
		return payload
	}
	return string(text)
}

// EncodeUSSD prepares a service code for AT+CUSD. With packed set the code
// is converted to GSM 7-bit septets, packed and hex encoded.
func EncodeUSSD(code string, packed bool) (string, error) {
	if !packed {
		return code, nil
	}
	e := gsm7.NewEncoder()
	septets, err := e.Encode([]byte(code))
	if err != nil {
		return "", fmt.Errorf("encode USSD %q: %w", code, err)
	}
	if len(septets)%8 == 7 {
		septets = append(septets, '\r')
	}
	return strings.ToUpper(hex.EncodeToString(gsm7.Pack7Bit(septets, 0))), nil
}
