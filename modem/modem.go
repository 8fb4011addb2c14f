package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/simhub/at"
)

// maxUSSDLines bounds how many lines a split +CUSD answer may span before
// it is handed on unfinished.
const maxUSSDLines = 32

// Modem represents a cellular modem endpoint that communicates via AT
// commands. All transport I/O goes through a single event loop; callers
// reach it through the command channel, one exchange at a time.
type Modem struct {
	transport Transport
	config    Config
	logger    *slog.Logger
	info      HardwareInfo

	// mu guards the fields below it.
	mu          sync.Mutex
	closed      bool
	loopRunning bool
	ussd        *ussdExchange
	listed      map[int]struct{}

	// urcChan receives Unsolicited Result Codes from the Loop.
	urcChan chan string
	// commands hands requests to the Loop. Unbuffered: a request is only
	// accepted while no other command is outstanding.
	commands chan *commandRequest
	// session is held for the duration of a logical operation, which may
	// span several commands (SMS prompt and body, USSD request and answer).
	// Waiters are served in arrival order.
	session       chan struct{}
	notifications chan Notification
	inbox         chan int
	done          chan struct{}

	lastActivity atomic.Int64
	// lastSend is guarded by session.
	lastSend time.Time

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// Command is one AT exchange on the command channel.
type Command struct {
	Text string
	// Timeout overrides Config.ATTimeout when positive.
	Timeout time.Duration
	// Terminals are tokens that complete the command in addition to the
	// final result codes, for example at.Prompt.
	Terminals []string
	// Raw writes Text as is instead of trimming it.
	Raw bool
}

func (c Command) terminatedBy(token string) bool {
	for _, t := range c.Terminals {
		if token == t || strings.HasPrefix(token, t) {
			return true
		}
	}
	return false
}

// Response is what a command produced.
type Response struct {
	// Lines are the intermediate lines, without the terminator.
	Lines []string
	// Final is the token that completed the command.
	Final string
}

func (r Response) String() string {
	return strings.Join(append(append([]string(nil), r.Lines...), r.Final), "\n")
}

type commandRequest struct {
	cmd      Command
	respChan chan commandResponse
	ctx      context.Context
}

type commandResponse struct {
	resp Response
	err  error
}

// HardwareInfo is what the modem reports about itself during init.
type HardwareInfo struct {
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	// SIMAbsent is set when init found no usable SIM.
	SIMAbsent bool `json:"simAbsent,omitempty"`
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
}

// New dials the modem and runs the init sequence on the bare transport.
// The returned Modem accepts commands once Run (or Loop) is started.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport:     transport,
		config:        config,
		logger:        config.Logger,
		listed:        make(map[int]struct{}),
		urcChan:       make(chan string, 100),
		commands:      make(chan *commandRequest),
		session:       make(chan struct{}, 1),
		notifications: make(chan Notification, 32),
		inbox:         make(chan int, 16),
		done:          make(chan struct{}),
	}
	m.touch()

	// The loop outlives the caller's deadline; Close ends it.
	m.loopCtx, m.loopCancel = context.WithCancel(context.WithoutCancel(ctx))

	initCtx, cancel := context.WithTimeout(ctx, config.InitTimeout)
	defer cancel()

	if err := m.init(initCtx); err != nil {
		m.loopCancel()
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Run drives the modem until ctx is canceled, Close is called or the
// transport fails. It runs the Loop, the URC listener and the reader for
// newly stored messages.
func (m *Modem) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Loop(ctx) })
	g.Go(func() error { return m.listen(ctx) })
	g.Go(func() error { return m.readInbox(ctx) })
	return g.Wait()
}

// Loop is the event loop that owns all transport I/O. It writes one command
// at a time, collects its lines until a terminator, and routes everything
// else to the URC channel. It is the only reader of the transport.
//
// Loop returns when ctx is canceled, the modem is closed, or the transport
// reports EOF or an error. A command in flight at that moment fails with
// ErrCanceled.
func (m *Modem) Loop(ctx context.Context) error {
	m.mu.Lock()
	if m.loopRunning {
		m.mu.Unlock()
		return ErrLoopRunning
	}
	m.loopRunning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loopRunning = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.loopCtx, cancel)
	defer stop()

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	var (
		current *commandRequest
		lines   []string
		cmdDone <-chan struct{}
		// partial accumulates a +CUSD answer split over several lines.
		partial      string
		partialLines int
	)

	// flushPartial hands an unfinished USSD answer on as it is.
	flushPartial := func(reason string) {
		if partial == "" {
			return
		}
		m.logger.Warn("unterminated USSD answer", "line", partial, "reason", reason)
		m.dispatch(partial)
		partial, partialLines = "", 0
	}

	finish := func(resp commandResponse) {
		current.respChan <- resp
		current, lines, cmdDone = nil, nil, nil
	}

	for {
		commands := m.commands
		if current != nil {
			commands = nil
		}

		select {
		case <-ctx.Done():
			if current != nil {
				if m.isClosed() {
					finish(commandResponse{err: errCanceledByClose})
				} else {
					finish(commandResponse{err: fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())})
				}
			}
			return ctx.Err()

		case req := <-commands:
			flushPartial("command written")
			current, lines, cmdDone = req, nil, req.ctx.Done()

			wire := req.cmd.Text
			if !req.cmd.Raw {
				wire = strings.TrimSpace(wire)
			}
			if _, err := m.transport.Write([]byte(wire + "\r")); err != nil {
				finish(commandResponse{err: fmt.Errorf("%w: %q: %w", ErrWrite, req.cmd.Text, err)})
				continue
			}
			m.logger.Debug("command written", "cmd", req.cmd.Text)

		case <-cmdDone:
			finish(commandResponse{resp: Response{Lines: lines}, err: abandoned(current.ctx, current.cmd)})

		case token, ok := <-tokens:
			if !ok {
				if current != nil {
					finish(commandResponse{resp: Response{Lines: lines}, err: io.EOF})
				}
				return io.EOF
			}
			m.touch()

			if partial != "" {
				continuation := at.Classify(token) == at.TypeData &&
					partialLines < maxUSSDLines &&
					(current == nil || !current.cmd.terminatedBy(token))
				if continuation {
					partial += "\n" + token
					partialLines++
					if !at.Unterminated(partial) {
						m.dispatch(partial)
						partial, partialLines = "", 0
					}
					continue
				}
				flushPartial("line " + at.Classify(token).String())
			}

			if current != nil && current.cmd.terminatedBy(token) {
				finish(commandResponse{resp: Response{Lines: lines, Final: token}})
				continue
			}

			switch at.Classify(token) {
			case at.TypeURC:
				if strings.HasPrefix(token, at.UrcUSSD) && at.Unterminated(token) {
					partial, partialLines = token, 1
					continue
				}
				m.dispatch(token)

			case at.TypeFinal:
				if current == nil {
					m.logger.Debug("orphaned final result", "line", token)
					continue
				}
				finish(commandResponse{resp: Response{Lines: lines, Final: token}, err: finalErr(token)})

			case at.TypeData, at.TypePrompt:
				if current == nil {
					// Unsolicited output outside of any exchange.
					m.dispatch(token)
					continue
				}
				lines = append(lines, token)
			}

		case err := <-scanErrs:
			if current != nil {
				finish(commandResponse{resp: Response{Lines: lines}, err: fmt.Errorf("read error: %w", err)})
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

func (m *Modem) dispatch(line string) {
	select {
	case m.urcChan <- line:
	default:
		m.logger.Warn("URC channel full, dropping", "line", line)
	}
}

// URC returns the channel of unsolicited lines. Run consumes it; read it
// directly only when driving Loop without Run.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Notifications delivers stored messages announced by the modem and USSD
// answers nobody was waiting for. Notifications are dropped when the
// channel is full.
func (m *Modem) Notifications() <-chan Notification {
	return m.notifications
}

// Info returns what the modem reported about itself during init.
func (m *Modem) Info() HardwareInfo {
	return m.info
}

// LastActivity is the time the modem last produced output.
func (m *Modem) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

func (m *Modem) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// Done is closed when the modem is closed.
func (m *Modem) Done() <-chan struct{} {
	return m.done
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close shuts down the modem and releases all resources. Callers waiting
// on the command channel fail with ErrCanceled. After Close the modem
// cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	if m.loopCancel != nil {
		m.loopCancel()
	}
	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// Send runs a single command as its own exchange.
func (m *Modem) Send(ctx context.Context, cmd Command) (Response, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()
	return m.send(ctx, cmd)
}

// acquire takes the session. The returned func releases it.
func (m *Modem) acquire(ctx context.Context) (func(), error) {
	select {
	case <-m.done:
		return nil, errCanceledByClose
	default:
	}
	select {
	case m.session <- struct{}{}:
		return func() { <-m.session }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for modem: %w", ErrCanceled, ctx.Err())
	case <-m.done:
		return nil, errCanceledByClose
	}
}

// send hands cmd to the Loop and waits for its outcome. The caller holds
// the session.
func (m *Modem) send(ctx context.Context, cmd Command) (Response, error) {
	if m.isClosed() {
		return Response{}, fmt.Errorf("%q: %w", cmd.Text, ErrClosed)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1),
		ctx:      ctx,
	}

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return Response{}, abandoned(ctx, cmd)
	case <-m.done:
		return Response{}, errCanceledByClose
	}

	select {
	case r := <-req.respChan:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, abandoned(ctx, cmd)
	case <-m.done:
		return Response{}, errCanceledByClose
	}
}

func abandoned(ctx context.Context, cmd Command) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %q", ErrTimeout, cmd.Text)
	}
	return fmt.Errorf("%w: %q: %w", ErrCanceled, cmd.Text, ctx.Err())
}

func finalErr(token string) error {
	if fe := at.ParseFinal(token); fe != nil {
		return fe
	}
	return nil
}

// init performs the setup sequence on the bare transport, before the Loop
// runs.
func (m *Modem) init(ctx context.Context) error {
	if err := m.expectOkDirect(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if err := m.expectOkDirect(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := m.expectOkDirect(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	simStatus, err := m.execDirect(ctx, at.CmdSimStatus)
	var final *at.FinalError
	switch {
	case errors.As(err, &final) && final.SIMAbsent():
		m.logger.Warn("no usable SIM", "reason", final.Error())
		m.info.SIMAbsent = true
	case err != nil:
		return fmt.Errorf("query SIM status: %w", err)
	case strings.Contains(simStatus.String(), at.SimReady):
	case strings.Contains(simStatus.String(), at.SimPuk):
		return fmt.Errorf("SIM locked: %q", simStatus.String())
	case strings.Contains(simStatus.String(), at.SimPin):
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOkDirect(ctx, fmt.Sprintf(at.CmdEnterPIN, m.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus.String())
	}

	if err := m.expectOkDirect(ctx, at.CmdSetTextMode); err != nil {
		if !m.info.SIMAbsent {
			return fmt.Errorf("set SMS text mode: %w", err)
		}
	}

	for _, cmd := range []string{at.CmdCharsetGSM, at.CmdNewMsgIndic} {
		if err := m.expectOkDirect(ctx, cmd); err != nil {
			m.logger.Debug("optional init step failed", "cmd", cmd, "error", err)
		}
	}

	if resp, err := m.execDirect(ctx, at.CmdModel); err == nil {
		m.info.Model = firstLine(resp)
	}
	if resp, err := m.execDirect(ctx, at.CmdFirmware); err == nil {
		m.info.Firmware = strings.TrimPrefix(firstLine(resp), "+CGMR: ")
	}

	return nil
}

func firstLine(resp Response) string {
	for _, l := range resp.Lines {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

// execDirect runs one command on the bare transport, bypassing the Loop.
// Only init uses it.
func (m *Modem) execDirect(ctx context.Context, cmd string) (Response, error) {
	if m.isClosed() {
		return Response{}, ErrAlreadyClosed
	}
	if m.transport == nil {
		return Response{}, ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ATTimeout)
	defer cancel()
	return exchange(ctx, m.transport, cmd)
}

// expectOkDirect runs cmd through execDirect and requires a plain OK.
func (m *Modem) expectOkDirect(ctx context.Context, cmd string) error {
	resp, err := m.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Final != at.OK {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.String())
	}
	return nil
}

type directResult struct {
	resp Response
	err  error
}

// exchange writes cmd to t and reads up to the final result code. Reading
// happens on its own goroutine so that ctx can abandon an endpoint that
// never answers; the caller must then close t to release that goroutine.
func exchange(ctx context.Context, t Transport, cmd string) (Response, error) {
	if _, err := t.Write([]byte(strings.TrimSpace(cmd) + "\r")); err != nil {
		return Response{}, fmt.Errorf("%w: %q: %w", ErrWrite, cmd, err)
	}

	result := make(chan directResult, 1)
	go func() {
		scanner := bufio.NewScanner(t)
		scanner.Split(at.Splitter)

		var resp Response
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			switch at.Classify(token) {
			case at.TypeFinal, at.TypePrompt:
				resp.Final = token
				result <- directResult{resp: resp, err: finalErr(token)}
				return
			case at.TypeData:
				resp.Lines = append(resp.Lines, token)
			case at.TypeURC:
				// nobody listens yet
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		result <- directResult{resp: resp, err: fmt.Errorf("read error: %w", err)}
	}()

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %q: %w", ErrTimeout, cmd, ctx.Err())
	}
}

// waitForSIMReady polls the SIM status until it reports ready. The SIM
// needs a moment to authenticate after the PIN was entered.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for retries := 1; ; retries++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
		}
		if retries > maxRetries {
			return fmt.Errorf("SIM not ready after %d retries", maxRetries)
		}
		resp, err := m.execDirect(ctx, at.CmdSimStatus)
		if err != nil {
			if KindOf(err) == KindFatal {
				return fmt.Errorf("SIM status check failed: %w", err)
			}
			continue
		}
		if strings.Contains(resp.String(), at.SimReady) {
			return nil
		}
	}
}
