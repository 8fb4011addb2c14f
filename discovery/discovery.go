// Package discovery finds AT capable modem endpoints among the serial ports
// of the host.
package discovery

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/simhub/modem"
)

// Port is a serial endpoint as reported by the host.
type Port struct {
	Path    string
	VID     string
	PID     string
	Serial  string
	Product string
}

// Lister enumerates serial endpoints.
type Lister interface {
	List() ([]Port, error)
}

// ListerFunc adapts a function to a Lister.
type ListerFunc func() ([]Port, error)

func (f ListerFunc) List() ([]Port, error) {
	return f()
}

// USBLister lists USB serial endpoints of the host.
type USBLister struct{}

func (USBLister) List() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var ports []Port
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		ports = append(ports, Port{
			Path:    d.Name,
			VID:     strings.ToLower(d.VID),
			PID:     strings.ToLower(d.PID),
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}

// Prober checks whether an endpoint speaks AT.
type Prober interface {
	Probe(ctx context.Context, path string) error
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context, path string) error

func (f ProberFunc) Probe(ctx context.Context, path string) error {
	return f(ctx, path)
}

// SerialProber opens the endpoint and sends a bare AT.
type SerialProber struct {
	BaudRate int
	Timeout  time.Duration
}

func (p SerialProber) Probe(ctx context.Context, path string) error {
	t, err := modem.SerialDialer{PortName: path, BaudRate: p.BaudRate}.Dial(ctx)
	if err != nil {
		return err
	}
	defer t.Close()
	return modem.Probe(ctx, t, cmp.Or(p.Timeout, DefaultProbeTimeout))
}

// DefaultProbeTimeout bounds the handshake with a single endpoint.
const DefaultProbeTimeout = 2 * time.Second

// Handle identifies an AT capable endpoint of a physical modem.
type Handle struct {
	// ID is derived from the USB identifiers and the endpoint name, for
	// example "12d1:1506:ttyusb2".
	ID      string `json:"id"`
	Path    string `json:"path"`
	VID     string `json:"vid"`
	PID     string `json:"pid"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
	// Model and Firmware are reported by the modem once connected.
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// Sibling is an endpoint of a physical modem that was not selected.
type Sibling struct {
	Path   string `json:"path"`
	Device string `json:"device"`
	Reason string `json:"reason"`
}

// Result is the outcome of a scan.
type Result struct {
	Modems   []Handle
	Siblings []Sibling
	// Present lists every endpoint of an accepted device, selected or not.
	Present []string
}

// Config configures a Scanner.
type Config struct {
	Lister Lister
	Prober Prober
	// Devices defaults to KnownDevices.
	Devices []Device
	// Parallelism bounds the number of devices probed at once.
	Parallelism int
	Logger      *slog.Logger
}

// Scanner discovers modems. Scans are safe to run concurrently with each
// other and with connected modems, as long as the caller reports the
// endpoints it owns.
type Scanner struct {
	lister      Lister
	prober      Prober
	devices     []Device
	parallelism int
	logger      *slog.Logger
	// mu serializes scans so two of them never probe the same endpoint.
	mu sync.Mutex
}

// New creates a Scanner. Missing fields get defaults: USBLister, a
// SerialProber at modem.DefaultBaudRate and KnownDevices.
func New(config Config) *Scanner {
	s := &Scanner{
		lister:      config.Lister,
		prober:      config.Prober,
		devices:     config.Devices,
		parallelism: config.Parallelism,
		logger:      config.Logger,
	}
	if s.lister == nil {
		s.lister = USBLister{}
	}
	if s.prober == nil {
		s.prober = SerialProber{BaudRate: modem.DefaultBaudRate}
	}
	if len(s.devices) == 0 {
		s.devices = KnownDevices
	}
	if s.parallelism <= 0 {
		s.parallelism = 4
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// device groups the endpoints of one physical modem.
type device struct {
	key   string
	ports []Port
}

// Scan enumerates endpoints, keeps those of accepted devices and probes
// them. Endpoints for which owned returns true are in use; they are
// reported without being touched. Each physical modem yields at most one
// Handle: the first of its endpoints, in name order, that answers.
func (s *Scanner) Scan(ctx context.Context, owned func(path string) bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owned == nil {
		owned = func(string) bool { return false }
	}

	ports, err := s.lister.List()
	if err != nil {
		return Result{}, err
	}
	devices := s.group(ports)

	var result Result
	for _, d := range devices {
		for _, p := range d.ports {
			result.Present = append(result.Present, p.Path)
		}
	}

	handles := make([]*Handle, len(devices))
	siblings := make([][]Sibling, len(devices))

	// probes never fail the group, so only the caller's ctx can end it early
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, d := range devices {
		g.Go(func() error {
			handles[i], siblings[i] = s.probeDevice(ctx, d, owned)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	for i := range devices {
		if handles[i] != nil {
			result.Modems = append(result.Modems, *handles[i])
		}
		result.Siblings = append(result.Siblings, siblings[i]...)
	}
	slices.SortFunc(result.Modems, func(a, b Handle) int { return strings.Compare(a.ID, b.ID) })

	s.logger.Debug("Scan finished", "modems", len(result.Modems), "siblings", len(result.Siblings))
	return result, nil
}

func (s *Scanner) accepted(p Port) bool {
	for _, d := range s.devices {
		if d.matches(p.VID, p.PID) {
			return true
		}
	}
	return false
}

// group collects accepted ports by physical device. Ports without a serial
// number are grouped by vendor and product alone.
func (s *Scanner) group(ports []Port) []device {
	index := make(map[string]int)
	var devices []device
	for _, p := range ports {
		if !s.accepted(p) {
			continue
		}
		key := p.VID + ":" + p.PID + ":" + p.Serial
		i, ok := index[key]
		if !ok {
			i = len(devices)
			index[key] = i
			devices = append(devices, device{key: key})
		}
		devices[i].ports = append(devices[i].ports, p)
	}
	for i := range devices {
		slices.SortFunc(devices[i].ports, func(a, b Port) int { return comparePaths(a.Path, b.Path) })
	}
	slices.SortFunc(devices, func(a, b device) int { return strings.Compare(a.key, b.key) })
	return devices
}

func (s *Scanner) probeDevice(ctx context.Context, d device, owned func(string) bool) (*Handle, []Sibling) {
	var (
		selected *Handle
		siblings []Sibling
	)

	// An owned endpoint is the device's modem already.
	for _, p := range d.ports {
		if owned(p.Path) {
			selected = newHandle(p)
			break
		}
	}

	for _, p := range d.ports {
		if selected != nil {
			if p.Path != selected.Path {
				siblings = append(siblings, Sibling{Path: p.Path, Device: d.key, Reason: "not selected"})
			}
			continue
		}
		if err := s.prober.Probe(ctx, p.Path); err != nil {
			s.logger.Debug("Endpoint did not answer", "path", p.Path, "error", err)
			siblings = append(siblings, Sibling{Path: p.Path, Device: d.key, Reason: err.Error()})
			continue
		}
		selected = newHandle(p)
		s.logger.Info("Modem endpoint found", "path", p.Path, "id", selected.ID)
	}
	return selected, siblings
}

func newHandle(p Port) *Handle {
	return &Handle{
		ID:      HandleID(p.VID, p.PID, p.Path),
		Path:    p.Path,
		VID:     p.VID,
		PID:     p.PID,
		Serial:  p.Serial,
		Product: p.Product,
	}
}

// HandleID derives the identifier of an endpoint.
func HandleID(vid, pid, path string) string {
	return strings.ToLower(vid + ":" + pid + ":" + filepath.Base(path))
}

// comparePaths orders ttyUSB2 before ttyUSB10.
func comparePaths(a, b string) int {
	if len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}
