package at

import (
	"strconv"
	"strings"
)

// FinalKind tells which family a rejecting final result code belongs to.
type FinalKind int

const (
	FinalGeneric FinalKind = iota // plain ERROR, NO CARRIER, ...
	FinalCME                      // +CME ERROR: equipment/SIM errors
	FinalCMS                      // +CMS ERROR: message service errors
)

// FinalError is a final result code other than OK. The modem rejected the
// command; the line is kept verbatim and the numeric code, when there is
// one, is decoded into a reason.
type FinalError struct {
	Line   string
	Kind   FinalKind
	Code   int // -1 when the modem reported text (AT+CMEE=2) or no code at all
	Reason string
}

func (e *FinalError) Error() string {
	if e.Reason != "" && e.Code >= 0 {
		return e.Line + " (" + e.Reason + ")"
	}
	return e.Line
}

// NotFound reports whether the modem said the addressed storage entry does
// not exist.
func (e *FinalError) NotFound() bool {
	switch e.Kind {
	case FinalCME:
		return e.Code == 21 || e.Code == 22 || matchReason(e.Reason, "invalid index", "not found")
	case FinalCMS:
		return e.Code == 321 || matchReason(e.Reason, "invalid memory index")
	}
	return false
}

// SIMAbsent reports whether the modem said there is no usable SIM.
func (e *FinalError) SIMAbsent() bool {
	switch e.Kind {
	case FinalCME:
		return e.Code == 10 || e.Code == 13 || matchReason(e.Reason, "sim not inserted", "sim failure")
	case FinalCMS:
		return e.Code == 310 || e.Code == 313 || matchReason(e.Reason, "sim not inserted", "sim failure")
	}
	return false
}

// Unsupported reports whether the modem or the network refused the
// operation as not supported or not allowed.
func (e *FinalError) Unsupported() bool {
	switch e.Kind {
	case FinalCME:
		return e.Code == 3 || e.Code == 4 || matchReason(e.Reason, "not supported", "not allowed")
	case FinalCMS:
		return e.Code == 302 || e.Code == 303 || matchReason(e.Reason, "not supported", "not allowed")
	}
	return false
}

func matchReason(reason string, needles ...string) bool {
	reason = strings.ToLower(reason)
	for _, n := range needles {
		if strings.Contains(reason, n) {
			return true
		}
	}
	return false
}

// ParseFinal decodes a final result line. It returns nil for OK.
func ParseFinal(line string) *FinalError {
	line = strings.TrimSpace(line)
	if line == OK {
		return nil
	}

	e := &FinalError{Line: line, Kind: FinalGeneric, Code: -1}
	var rest string
	switch {
	case strings.HasPrefix(line, CmeError):
		e.Kind = FinalCME
		rest = strings.TrimSpace(strings.TrimPrefix(line, CmeError))
	case strings.HasPrefix(line, CmsError):
		e.Kind = FinalCMS
		rest = strings.TrimSpace(strings.TrimPrefix(line, CmsError))
	default:
		return e
	}

	code, err := strconv.Atoi(rest)
	if err != nil {
		e.Reason = rest
		return e
	}
	e.Code = code
	if e.Kind == FinalCME {
		e.Reason = cmeReasons[code]
	} else {
		e.Reason = cmsReasons[code]
	}
	return e
}

// 3GPP TS 27.007 section 9.2
var cmeReasons = map[int]string{
	0:   "phone failure",
	3:   "operation not allowed",
	4:   "operation not supported",
	5:   "PH-SIM PIN required",
	10:  "SIM not inserted",
	11:  "SIM PIN required",
	12:  "SIM PUK required",
	13:  "SIM failure",
	14:  "SIM busy",
	15:  "SIM wrong",
	16:  "incorrect password",
	17:  "SIM PIN2 required",
	18:  "SIM PUK2 required",
	20:  "memory full",
	21:  "invalid index",
	22:  "not found",
	23:  "memory failure",
	30:  "no network service",
	31:  "network timeout",
	32:  "network not allowed - emergency calls only",
	100: "unknown",
}

// 3GPP TS 27.005 section 3.2.5
var cmsReasons = map[int]string{
	300: "ME failure",
	301: "SMS service of ME reserved",
	302: "operation not allowed",
	303: "operation not supported",
	304: "invalid PDU mode parameter",
	305: "invalid text mode parameter",
	310: "SIM not inserted",
	311: "SIM PIN required",
	312: "PH-SIM PIN required",
	313: "SIM failure",
	314: "SIM busy",
	315: "SIM wrong",
	316: "SIM PUK required",
	320: "memory failure",
	321: "invalid memory index",
	322: "memory full",
	330: "SMSC address unknown",
	331: "no network service",
	332: "network timeout",
	340: "no +CNMA acknowledgement expected",
	500: "unknown error",
}
