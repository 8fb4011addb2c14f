package modem

import (
	"context"
	"io"
	"maps"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's scanner goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// With a responder set, every write is answered by queueing the responder's
// output for reading, which turns the transport into a scripted modem.
type TestTransport struct {
	mu        sync.Mutex
	readChan  chan []byte
	closed    bool
	written   []string
	responder func(cmd string) string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
	}
}

// WithResponder installs fn to answer written commands. fn receives the
// command without its trailing carriage return and returns raw modem
// output; an empty string answers nothing.
func (t *TestTransport) WithResponder(fn func(cmd string) string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = fn
	return t
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	cmd := strings.TrimSuffix(string(p), "\r")

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, cmd)
	respond := t.responder
	t.mu.Unlock()

	if respond != nil {
		if out := respond(cmd); out != "" {
			t.SendData(out)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns the commands written so far.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// Closed reports whether Close was called.
func (t *TestTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Dial returns the transport itself, so a TestTransport can serve as Dialer.
func (t *TestTransport) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Script maps commands to raw replies. Unknown commands are answered with
// ERROR.
type Script map[string]string

func (s Script) Respond(cmd string) string {
	if out, ok := s[cmd]; ok {
		return out
	}
	return "\r\nERROR\r\n"
}

// With returns a copy of s with the given command answered by reply.
func (s Script) With(cmd, reply string) Script {
	out := maps.Clone(s)
	out[cmd] = reply
	return out
}

// InitScript answers the init sequence of a modem with a ready SIM.
func InitScript() Script {
	return Script{
		"AT":                "\r\nOK\r\n",
		"ATE0":              "\r\nOK\r\n",
		"AT+CMEE=2":         "\r\nOK\r\n",
		"AT+CPIN?":          "\r\n+CPIN: READY\r\n\r\nOK\r\n",
		"AT+CMGF=1":         "\r\nOK\r\n",
		`AT+CSCS="GSM"`:     "\r\nOK\r\n",
		"AT+CNMI=2,1,0,0,0": "\r\nOK\r\n",
		"AT+CGMM":           "\r\nE3372\r\n\r\nOK\r\n",
		"AT+CGMR":           "\r\n21.180.01.00.00\r\n\r\nOK\r\n",
	}
}

// IdentityScript extends InitScript with identity answers for the given
// IMSI and ICCID.
func IdentityScript(imsi, iccid string) Script {
	return InitScript().
		With("AT+CIMI", "\r\n"+imsi+"\r\n\r\nOK\r\n").
		With("AT+CCID", "\r\n+CCID: "+iccid+"\r\n\r\nOK\r\n").
		With("AT+CGSN", "\r\n866123456789012\r\n\r\nOK\r\n").
		With("AT+CNUM", "\r\nOK\r\n")
}
