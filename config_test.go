package main

import (
	"flag"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		config, err := LoadConfig(WithDefaults())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.BindAddress != "0.0.0.0:8080" || config.BaudRate != 115200 {
			t.Errorf("unexpected defaults %+v", config)
		}
		if !config.AutoConnect || config.MaxModems != 10 || config.NATSSubject != "simhub.events" {
			t.Errorf("unexpected defaults %+v", config)
		}
	})

	t.Run("Environment overrides defaults", func(t *testing.T) {
		t.Setenv("BAUD_RATE", "9600")
		t.Setenv("AT_TIMEOUT", "5s")
		t.Setenv("MAX_CONCURRENT_MODEMS", "2")
		t.Setenv("AUTO_CONNECT", "false")
		t.Setenv("EXTRA_DEVICES", "2c7c:*")
		t.Setenv("MAX_RETRIES", "many")

		config, err := LoadConfig(WithDefaults(), WithEnv())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.BaudRate != 9600 {
			t.Errorf("BaudRate: got %d", config.BaudRate)
		}
		if config.ATTimeout != 5*time.Second {
			t.Errorf("ATTimeout: got %v", config.ATTimeout)
		}
		if config.MaxModems != 2 {
			t.Errorf("MaxModems: got %d", config.MaxModems)
		}
		if config.AutoConnect {
			t.Error("AutoConnect: expected false")
		}
		if config.ExtraDevices != "2c7c:*" {
			t.Errorf("ExtraDevices: got %q", config.ExtraDevices)
		}
		if config.MaxRetries != 3 {
			t.Errorf("a malformed value should keep the default, got %d", config.MaxRetries)
		}
	})

	t.Run("Flags override the environment", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "warn")
		t.Setenv("USSD_TIMEOUT", "10s")

		fSet := flag.NewFlagSet("test", flag.ContinueOnError)
		fSet.String("log-level", "info", "")
		fSet.Duration("ussd-timeout", time.Minute, "")
		fSet.Bool("packed-ussd", false, "")
		fSet.Duration("min-send-interval", 0, "")
		if err := fSet.Parse([]string{"-log-level=debug", "-packed-ussd", "-min-send-interval=-1ns"}); err != nil {
			t.Fatal(err)
		}

		config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(fSet))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.LogLevel != "debug" {
			t.Errorf("LogLevel: got %q", config.LogLevel)
		}
		// not set on the command line
		if config.USSDTimeout != 10*time.Second {
			t.Errorf("USSDTimeout: got %v", config.USSDTimeout)
		}
		if !config.PackedUSSD {
			t.Error("PackedUSSD: expected true")
		}
		if config.MinSendInterval >= 0 {
			t.Errorf("MinSendInterval: got %v", config.MinSendInterval)
		}
	})

	t.Run("Zero retries reach the modem as disabled", func(t *testing.T) {
		tests := []struct {
			retries int
			want    int
		}{
			{retries: 3, want: 3},
			{retries: 0, want: -1},
			{retries: -2, want: -1},
		}
		for _, tt := range tests {
			c := Config{MaxRetries: tt.retries}
			if got := c.modemRetries(); got != tt.want {
				t.Errorf("MaxRetries %d: expected %d, got %d", tt.retries, tt.want, got)
			}
		}
	})
}
