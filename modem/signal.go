package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/simhub/at"
)

// Network is the coarse radio generation the modem is registered on.
type Network string

const (
	Network2G      Network = "2G"
	Network3G      Network = "3G"
	Network4G      Network = "4G"
	Network5G      Network = "5G"
	NetworkUnknown Network = "Unknown"
)

// Signal is the radio status of the modem.
type Signal struct {
	// Percent is the received signal strength scaled to 0..100; 0 when the
	// modem does not know.
	Percent int `json:"percent"`
	// DBm is the received signal strength; 0 when unknown.
	DBm        int     `json:"dbm,omitempty"`
	Network    Network `json:"network"`
	Operator   string  `json:"operator,omitempty"`
	Registered bool    `json:"registered"`
	Roaming    bool    `json:"roaming"`
}

// GetSignal reads signal strength, registration and the serving network.
// Registration and operator queries are best effort; only a failed signal
// query fails the call.
func (m *Modem) GetSignal(ctx context.Context) (Signal, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return Signal{}, err
	}
	defer release()

	resp, err := m.query(ctx, Command{Text: at.CmdSignal})
	if err != nil {
		return Signal{}, fmt.Errorf("signal quality: %w", err)
	}
	sig, err := parseSignalQuality(resp.Lines)
	if err != nil {
		return Signal{}, err
	}
	sig.Network = NetworkUnknown

	regAct := -1
	if resp, err := m.query(ctx, Command{Text: at.CmdRegistration}); err == nil {
		var stat int
		stat, regAct = parseRegistration(resp.Lines)
		sig.Registered = stat == 1 || stat == 5
		sig.Roaming = stat == 5
	} else {
		m.logger.Debug("registration query failed", "error", err)
	}

	act := -1
	if resp, err := m.query(ctx, Command{Text: at.CmdOperator}); err == nil {
		sig.Operator, act = parseOperator(resp.Lines)
	} else {
		m.logger.Debug("operator query failed", "error", err)
	}
	if act < 0 {
		act = regAct
	}
	if sig.Registered {
		sig.Network = networkOf(act)
	}
	return sig, nil
}

// parseSignalQuality parses "+CSQ: <rssi>,<ber>".
func parseSignalQuality(lines []string) (Signal, error) {
	for _, l := range lines {
		rest, ok := strings.CutPrefix(l, "+CSQ:")
		if !ok {
			continue
		}
		head, _, _ := strings.Cut(rest, ",")
		rssi, err := strconv.Atoi(strings.TrimSpace(head))
		if err != nil {
			break
		}
		if rssi < 0 || rssi > 31 {
			return Signal{}, nil
		}
		return Signal{Percent: rssi * 100 / 31, DBm: -113 + 2*rssi}, nil
	}
	return Signal{}, fmt.Errorf("%w: signal quality %q", ErrUnexpectedResponse, strings.Join(lines, "\n"))
}

// parseRegistration parses "+CREG: <n>,<stat>[,<lac>,<ci>[,<AcT>]]" and
// returns stat and AcT, -1 for what is missing.
func parseRegistration(lines []string) (int, int) {
	for _, l := range lines {
		rest, ok := strings.CutPrefix(l, "+CREG:")
		if !ok {
			continue
		}
		f := splitFields(rest)
		stat, act := -1, -1
		if len(f) >= 2 {
			stat = atoiOr(f[1], -1)
		}
		if len(f) >= 5 {
			act = atoiOr(f[4], -1)
		}
		return stat, act
	}
	return -1, -1
}

// parseOperator parses `+COPS: <mode>[,<format>,"<oper>"[,<AcT>]]`.
func parseOperator(lines []string) (string, int) {
	for _, l := range lines {
		rest, ok := strings.CutPrefix(l, "+COPS:")
		if !ok {
			continue
		}
		f := splitFields(rest)
		name, act := "", -1
		if len(f) >= 3 {
			name = f[2]
		}
		if len(f) >= 4 {
			act = atoiOr(f[3], -1)
		}
		return name, act
	}
	return "", -1
}

// networkOf maps a 3GPP TS 27.007 access technology to a generation.
func networkOf(act int) Network {
	switch act {
	case 0, 1, 3:
		return Network2G
	case 2, 4, 5, 6:
		return Network3G
	case 7, 9:
		return Network4G
	case 11, 12, 13:
		return Network5G
	default:
		return NetworkUnknown
	}
}

func atoiOr(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}
