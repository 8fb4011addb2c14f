package modem_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"i4.energy/across/simhub/modem"
)

// slowScript answers asynchronously after a short delay and records how many
// commands were outstanding at once.
type slowScript struct {
	script      modem.Script
	transport   *modem.TestTransport
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *slowScript) respond(cmd string) string {
	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	go func() {
		time.Sleep(2 * time.Millisecond)
		s.inFlight.Add(-1)
		s.transport.SendData(s.script.Respond(cmd))
	}()
	return ""
}

func TestCommandChannelSerializes(t *testing.T) {
	s := &slowScript{
		script: modem.IdentityScript("603020123456789", "8921302000000000001").
			With("AT+CSQ", "\r\n+CSQ: 18,99\r\n\r\nOK\r\n").
			With("AT+CREG?", "\r\n+CREG: 0,1\r\n\r\nOK\r\n").
			With("AT+COPS?", "\r\n+COPS: 0,0,\"Ooredoo\",7\r\n\r\nOK\r\n"),
	}
	transport := modem.NewTestTransport()
	s.transport = transport
	transport.WithResponder(s.respond)

	config, err := modem.NewConfigBuilder().WithDialer(transport).WithATTimeout(2 * time.Second).Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Close()

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = m.GetSignal(ctx)
			case 1:
				_, err = m.QueryIdentity(ctx)
			case 2:
				_, err = m.Send(ctx, modem.Command{Text: "AT+CSQ"})
			}
			if err != nil {
				failed.Add(1)
				t.Errorf("operation %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if got := s.maxInFlight.Load(); got != 1 {
		t.Errorf("expected at most one outstanding command, saw %d", got)
	}
	if failed.Load() != 0 {
		t.Errorf("%d operations failed", failed.Load())
	}
}

func TestCloseResolvesCommandInFlight(t *testing.T) {
	// AT+CSQ is never answered
	script := modem.InitScript()
	m, transport := startScripted(t, func(cmd string) string {
		if cmd == "AT+CSQ" {
			return ""
		}
		return script.Respond(cmd)
	}, func(b *modem.ConfigBuilder) {
		b.WithATTimeout(10 * time.Second)
	})

	result := make(chan error, 1)
	go func() {
		_, err := m.GetSignal(context.Background())
		result <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(transport.Written(), "AT+CSQ") {
		if time.Now().After(deadline) {
			t.Fatal("AT+CSQ was never written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error from Close(): %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, modem.ErrCanceled) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("command in flight was not resolved by Close")
	}
}

func TestTimeoutIsNotRetriedForCommands(t *testing.T) {
	var calls atomic.Int32
	script := modem.InitScript()
	m, _ := startScripted(t, func(cmd string) string {
		if cmd == "AT+CSQ" {
			calls.Add(1)
			return ""
		}
		return script.Respond(cmd)
	}, func(b *modem.ConfigBuilder) {
		b.WithATTimeout(100 * time.Millisecond)
	})

	_, err := m.Send(context.Background(), modem.Command{Text: "AT+CSQ"})
	if !errors.Is(err, modem.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("the command channel must not retry, saw %d writes", calls.Load())
	}
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	script := modem.InitScript().
		With("AT+CSQ", "\r\n+CSQ: 12,99\r\n\r\nOK\r\n")
	m, _ := startScripted(t, func(cmd string) string {
		// the first AT+CSQ goes unanswered
		if cmd == "AT+CSQ" && calls.Add(1) == 1 {
			return ""
		}
		return script.Respond(cmd)
	}, func(b *modem.ConfigBuilder) {
		b.WithATTimeout(100 * time.Millisecond)
	})

	sig, err := m.GetSignal(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Percent != 38 {
		t.Errorf("expected 38%%, got %d", sig.Percent)
	}
	if calls.Load() != 2 {
		t.Errorf("expected one retry, saw %d attempts", calls.Load())
	}
}

func TestQueryWithoutRetries(t *testing.T) {
	var calls atomic.Int32
	script := modem.InitScript()
	m, _ := startScripted(t, func(cmd string) string {
		if cmd == "AT+CSQ" {
			calls.Add(1)
			return ""
		}
		return script.Respond(cmd)
	}, func(b *modem.ConfigBuilder) {
		b.WithATTimeout(50 * time.Millisecond).WithMaxRetries(-1)
	})

	_, err := m.GetSignal(context.Background())
	if !errors.Is(err, modem.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, saw %d", calls.Load())
	}
}

func TestQueryRetriesExhausted(t *testing.T) {
	script := modem.InitScript()
	m, _ := startScripted(t, func(cmd string) string {
		if cmd == "AT+CSQ" {
			return ""
		}
		return script.Respond(cmd)
	}, func(b *modem.ConfigBuilder) {
		b.WithATTimeout(50 * time.Millisecond)
	})

	_, err := m.GetSignal(context.Background())
	if !errors.Is(err, modem.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, modem.ErrTimeout) {
		t.Errorf("expected the last timeout to be wrapped, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want modem.ErrorKind
	}{
		{name: "nil", err: nil, want: modem.KindNone},
		{name: "timeout", err: modem.ErrTimeout, want: modem.KindTransient},
		{name: "indeterminate wraps timeout", err: errors.Join(modem.ErrIndeterminate, modem.ErrTimeout), want: modem.KindIndeterminate},
		{name: "closed", err: modem.ErrClosed, want: modem.KindFatal},
		{name: "not found", err: modem.ErrMessageNotFound, want: modem.KindRejected},
		{name: "retries exhausted", err: modem.ErrRetriesExhausted, want: modem.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modem.KindOf(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
