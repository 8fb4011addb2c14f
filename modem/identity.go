package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"i4.energy/across/simhub/at"
)

// Field names one identity attribute.
type Field string

const (
	FieldIMSI   Field = "imsi"
	FieldICCID  Field = "iccid"
	FieldIMEI   Field = "imei"
	FieldMSISDN Field = "msisdn"
)

// Identity holds what the modem and its SIM report about themselves. Each
// field is queried on its own; a field that could not be read is empty and
// its reason is kept in Failures.
type Identity struct {
	IMSI     string          `json:"imsi,omitempty"`
	ICCID    string          `json:"iccid,omitempty"`
	IMEI     string          `json:"imei,omitempty"`
	MSISDN   string          `json:"msisdn,omitempty"`
	Failures map[Field]error `json:"-"`
}

// Reasons renders Failures as text.
func (id Identity) Reasons() map[Field]string {
	if len(id.Failures) == 0 {
		return nil
	}
	out := make(map[Field]string, len(id.Failures))
	for f, err := range id.Failures {
		out[f] = err.Error()
	}
	return out
}

// Complete reports whether every field was read.
func (id Identity) Complete() bool {
	return len(id.Failures) == 0
}

var (
	digitsRe = regexp.MustCompile(`\d{6,20}`)
	iccidRe  = regexp.MustCompile(`[0-9Ff]{18,22}`)
	cnumRe   = regexp.MustCompile(`\+CNUM:\s*"[^"]*"\s*,\s*"([^"]+)"`)
)

// QueryIdentity reads IMSI, ICCID, IMEI and subscriber number. It fails
// only when every field failed; partial results come back with the
// per-field reasons in Identity.Failures.
func (m *Modem) QueryIdentity(ctx context.Context) (Identity, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer release()

	id := Identity{Failures: make(map[Field]error)}

	readers := []struct {
		field Field
		read  func(context.Context) (string, error)
		dst   *string
	}{
		{FieldIMSI, m.readIMSI, &id.IMSI},
		{FieldICCID, m.readICCID, &id.ICCID},
		{FieldIMEI, m.readIMEI, &id.IMEI},
		{FieldMSISDN, m.readMSISDN, &id.MSISDN},
	}

	var errs []error
	for _, r := range readers {
		v, err := r.read(ctx)
		if err != nil {
			id.Failures[r.field] = err
			errs = append(errs, fmt.Errorf("%s: %w", r.field, err))
			if KindOf(err) == KindFatal {
				return id, errors.Join(errs...)
			}
			continue
		}
		*r.dst = v
	}

	if len(errs) == len(readers) {
		return id, errors.Join(errs...)
	}
	return id, nil
}

func (m *Modem) readIMSI(ctx context.Context) (string, error) {
	resp, err := m.query(ctx, Command{Text: at.CmdIMSI})
	if err != nil {
		return "", err
	}
	return matchLine(resp, digitsRe)
}

func (m *Modem) readIMEI(ctx context.Context) (string, error) {
	resp, err := m.query(ctx, Command{Text: at.CmdIMEI})
	if err != nil {
		return "", err
	}
	return matchLine(resp, digitsRe)
}

// readICCID tries AT+CCID first and the Huawei ^ICCID? query when the modem
// rejects it.
func (m *Modem) readICCID(ctx context.Context) (string, error) {
	resp, err := m.query(ctx, Command{Text: at.CmdICCID})
	if KindOf(err) == KindRejected {
		resp, err = m.query(ctx, Command{Text: at.CmdICCIDVendor})
	}
	if err != nil {
		return "", err
	}
	v, err := matchLine(resp, iccidRe)
	if err != nil {
		return "", err
	}
	return normalizeICCID(v), nil
}

// normalizeICCID drops the filler nibble and undoes the nibble swap some
// firmware applies to the raw EF.ICCID content. Every ICCID starts with the
// telecom industry identifier 89.
func normalizeICCID(v string) string {
	if strings.HasPrefix(v, "98") {
		b := []byte(v)
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
		v = string(b)
	}
	return strings.TrimRight(v, "Ff")
}

func (m *Modem) readMSISDN(ctx context.Context) (string, error) {
	resp, err := m.query(ctx, Command{Text: at.CmdNumber})
	if err != nil {
		return "", err
	}
	for _, l := range resp.Lines {
		if sm := cnumRe.FindStringSubmatch(l); sm != nil {
			return sm[1], nil
		}
	}
	return "", ErrFieldAbsent
}

func matchLine(resp Response, re *regexp.Regexp) (string, error) {
	for _, l := range resp.Lines {
		if v := re.FindString(l); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.String())
}
