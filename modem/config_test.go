package modem_test

import (
	"testing"
	"time"

	"i4.energy/across/simhub/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		c, err := modem.NewConfigBuilder().
			WithDialer(modem.NewTestTransport()).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		if c.ATTimeout != 30*time.Second {
			t.Errorf("ATTimeout: expected 30s, got %v", c.ATTimeout)
		}
		if c.USSDTimeout != 60*time.Second {
			t.Errorf("USSDTimeout: expected 60s, got %v", c.USSDTimeout)
		}
		if c.MaxRetries != 3 {
			t.Errorf("MaxRetries: expected 3, got %d", c.MaxRetries)
		}
		if c.Logger == nil {
			t.Error("expected a default logger")
		}
	})

	t.Run("Negative MaxRetries disables retries", func(t *testing.T) {
		c, err := modem.NewConfigBuilder().
			WithDialer(modem.NewTestTransport()).
			WithMaxRetries(-1).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		if c.MaxRetries != -1 {
			t.Errorf("MaxRetries: expected -1 to be kept, got %d", c.MaxRetries)
		}
	})

	t.Run("Explicit values are kept", func(t *testing.T) {
		c, err := modem.NewConfigBuilder().
			WithDialer(modem.NewTestTransport()).
			WithATTimeout(time.Second).
			WithUSSDTimeout(5 * time.Second).
			WithMaxRetries(1).
			WithPackedUSSD(true).
			WithSimPIN("1234").
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		if c.ATTimeout != time.Second || c.USSDTimeout != 5*time.Second || c.MaxRetries != 1 {
			t.Errorf("unexpected config: %+v", c)
		}
		if !c.PackedUSSD || c.SimPIN != "1234" {
			t.Errorf("unexpected config: %+v", c)
		}
	})
}
