// Package operator maps SIM identities to mobile operators and their
// service codes.
package operator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Well known services. Every record can answer these through its USSD
// fields even when its Services map does not name them.
const (
	ServiceBalance     = "balance"
	ServiceDataBalance = "data_balance"
	ServiceRecharge    = "recharge"
)

// APN holds the data network settings of an operator.
type APN struct {
	Name     string `json:"name"`
	APN      string `json:"apn"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	AuthType string `json:"authType,omitempty"`
}

// Record describes one operator.
type Record struct {
	Name            string            `json:"name"`
	Country         string            `json:"country"`
	MCC             string            `json:"mcc"`
	MNC             []string          `json:"mnc"`
	IMSIPrefixes    []string          `json:"imsiPrefixes"`
	ICCIDPrefixes   []string          `json:"iccidPrefixes,omitempty"`
	BalanceUSSD     string            `json:"balanceUssd,omitempty"`
	DataBalanceUSSD string            `json:"dataBalanceUssd,omitempty"`
	RechargeUSSD    string            `json:"rechargeUssd,omitempty"`
	APN             *APN              `json:"apn,omitempty"`
	Services        map[string]string `json:"services,omitempty"`
}

// Unknown is returned by Resolve when no record matches.
var Unknown = Record{Name: "Unknown"}

// IsUnknown reports whether r is the Unknown record.
func (r Record) IsUnknown() bool {
	return r.Name == Unknown.Name && r.MCC == ""
}

func (r Record) clone() Record {
	r.MNC = slices.Clone(r.MNC)
	r.IMSIPrefixes = slices.Clone(r.IMSIPrefixes)
	r.ICCIDPrefixes = slices.Clone(r.ICCIDPrefixes)
	r.Services = maps.Clone(r.Services)
	if r.APN != nil {
		apn := *r.APN
		r.APN = &apn
	}
	return r
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Code returns the USSD code for service with its {placeholders} replaced
// from params. Services listed by the record take precedence over the
// balance, data balance and recharge fields.
func (r Record) Code(service string, params map[string]string) (string, error) {
	if r.IsUnknown() {
		return "", ErrUnknownOperator
	}

	tmpl, ok := r.Services[service]
	if !ok {
		switch service {
		case ServiceBalance:
			tmpl = r.BalanceUSSD
		case ServiceDataBalance:
			tmpl = r.DataBalanceUSSD
		case ServiceRecharge:
			tmpl = r.RechargeUSSD
		}
	}
	if tmpl == "" {
		return "", fmt.Errorf("%w: %s has no %q", ErrServiceNotFound, r.Name, service)
	}

	var missing []string
	code := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := params[key]
		if !ok || v == "" {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return code, nil
}

var (
	digits3    = regexp.MustCompile(`^\d{3}$`)
	digits2to3 = regexp.MustCompile(`^\d{2,3}$`)
)

// Validate checks that r is usable for lookups.
func Validate(r Record) error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(r.Country) == "" {
		problems = append(problems, "country is required")
	}
	if !digits3.MatchString(r.MCC) {
		problems = append(problems, fmt.Sprintf("mcc %q must be 3 digits", r.MCC))
	}
	for _, mnc := range r.MNC {
		if !digits2to3.MatchString(mnc) {
			problems = append(problems, fmt.Sprintf("mnc %q must be 2 or 3 digits", mnc))
		}
	}
	if len(r.IMSIPrefixes) == 0 {
		problems = append(problems, "at least one imsi prefix is required")
	}
	for _, p := range r.IMSIPrefixes {
		if !strings.HasPrefix(p, r.MCC) {
			problems = append(problems, fmt.Sprintf("imsi prefix %q does not start with mcc %s", p, r.MCC))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidRecord, r.Name, strings.Join(problems, "; "))
	}
	return nil
}

// Catalog is an immutable set of operator records. It is safe for
// concurrent use.
type Catalog struct {
	records []Record
}

// New validates records and builds a catalog from them. The order of
// records decides ties in Resolve.
func New(records []Record) (*Catalog, error) {
	c := &Catalog{records: make([]Record, 0, len(records))}
	for _, r := range records {
		if err := Validate(r); err != nil {
			return nil, err
		}
		c.records = append(c.records, r.clone())
	}
	return c, nil
}

// Load reads a JSON array of records.
func Load(r io.Reader) (*Catalog, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode operators: %w", err)
	}
	return New(records)
}

// LoadFile reads a JSON array of records from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

//go:embed operators.json
var builtin []byte

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Load(bytes.NewReader(builtin))
})

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("operator: built-in catalog: %v", err))
	}
	return c
}

// Resolve finds the operator of a SIM. IMSI prefixes are tried first and
// ICCID prefixes only when no IMSI prefix matches. The longest matching
// prefix wins; among equally long ones the earlier record wins. Without a
// match Resolve returns Unknown.
func (c *Catalog) Resolve(imsi, iccid string) Record {
	if i := c.longestMatch(imsi, func(r Record) []string { return r.IMSIPrefixes }); i >= 0 {
		return c.records[i].clone()
	}
	if i := c.longestMatch(iccid, func(r Record) []string { return r.ICCIDPrefixes }); i >= 0 {
		return c.records[i].clone()
	}
	return Unknown
}

func (c *Catalog) longestMatch(id string, prefixes func(Record) []string) int {
	if id == "" {
		return -1
	}
	best, bestLen := -1, 0
	for i, r := range c.records {
		for _, p := range prefixes(r) {
			if len(p) > bestLen && strings.HasPrefix(id, p) {
				best, bestLen = i, len(p)
			}
		}
	}
	return best
}

// ByName looks an operator up by name, ignoring case. An exact match is
// preferred over a partial one.
func (c *Catalog) ByName(name string) (Record, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Record{}, false
	}
	for _, r := range c.records {
		if strings.ToLower(r.Name) == name {
			return r.clone(), true
		}
	}
	for _, r := range c.records {
		if strings.Contains(strings.ToLower(r.Name), name) {
			return r.clone(), true
		}
	}
	return Record{}, false
}

// ByCountry returns the operators of a country, ignoring case.
func (c *Catalog) ByCountry(country string) []Record {
	var out []Record
	for _, r := range c.records {
		if strings.EqualFold(r.Country, country) {
			out = append(out, r.clone())
		}
	}
	return out
}

// ByMCCMNC returns the operator with the given network code.
func (c *Catalog) ByMCCMNC(mcc, mnc string) (Record, bool) {
	for _, r := range c.records {
		if r.MCC == mcc && slices.Contains(r.MNC, mnc) {
			return r.clone(), true
		}
	}
	return Record{}, false
}

// All returns every record in catalog order.
func (c *Catalog) All() []Record {
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = r.clone()
	}
	return out
}

// Stats summarizes a catalog.
type Stats struct {
	Total     int `json:"total"`
	Countries int `json:"countries"`
	MCCs      int `json:"mccs"`
	WithUSSD  int `json:"withUssd"`
	WithAPN   int `json:"withApn"`
}

func (c *Catalog) Stats() Stats {
	countries := make(map[string]struct{})
	mccs := make(map[string]struct{})
	s := Stats{Total: len(c.records)}
	for _, r := range c.records {
		countries[r.Country] = struct{}{}
		mccs[r.MCC] = struct{}{}
		if r.BalanceUSSD != "" {
			s.WithUSSD++
		}
		if r.APN != nil {
			s.WithAPN++
		}
	}
	s.Countries = len(countries)
	s.MCCs = len(mccs)
	return s
}
