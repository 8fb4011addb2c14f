package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort registers a modem on a fixed port in addition to the
	// discovered ones (e.g. "/dev/ttyUSB0"). Empty disables it.
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modems (e.g. 115200)
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code
	SimPIN string
	// ATTimeout bounds a single AT command
	ATTimeout time.Duration
	// InitTimeout bounds the modem init sequence
	InitTimeout time.Duration
	// MaxRetries is the number of retries of idempotent queries, 0 for none
	MaxRetries int
	// USSDTimeout bounds the wait for a USSD answer
	USSDTimeout time.Duration
	// MinSendInterval is the minimum time between two SMS on one modem
	MinSendInterval time.Duration
	// PackedUSSD sends USSD codes as packed GSM 7-bit hex
	PackedUSSD bool
	// PollInterval is the SIM monitor interval
	PollInterval time.Duration
	// StatusParallelism bounds concurrent status queries
	StatusParallelism int
	// MaxModems bounds the number of connected modems
	MaxModems int
	// OperatorsFile replaces the built-in operator table. Empty uses the built-in one.
	OperatorsFile string
	// ExtraDevices lists additional accepted USB devices as vid:pid pairs (e.g. "1e0e:9001,2c7c:*")
	ExtraDevices string
	// AutoConnect connects every discovered modem at startup
	AutoConnect bool
	// NATSURL enables event forwarding to NATS when set (e.g. "nats://localhost:4222")
	NATSURL string
	// NATSSubject is the subject prefix of forwarded events
	NATSSubject string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.ATTimeout = 30 * time.Second
		c.InitTimeout = 30 * time.Second
		c.MaxRetries = 3
		c.USSDTimeout = 60 * time.Second
		c.MinSendInterval = 2 * time.Second
		c.PollInterval = 30 * time.Second
		c.StatusParallelism = 4
		c.MaxModems = 10
		c.AutoConnect = true
		c.NATSSubject = "simhub.events"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		setDuration(&c.ATTimeout, os.Getenv("AT_TIMEOUT"))
		setDuration(&c.InitTimeout, os.Getenv("INIT_TIMEOUT"))
		setDuration(&c.USSDTimeout, os.Getenv("USSD_TIMEOUT"))
		setDuration(&c.MinSendInterval, os.Getenv("MIN_SEND_INTERVAL"))
		setDuration(&c.PollInterval, os.Getenv("SIM_POLL_INTERVAL"))
		setInt(&c.MaxRetries, os.Getenv("MAX_RETRIES"))
		setInt(&c.StatusParallelism, os.Getenv("STATUS_PARALLELISM"))
		setInt(&c.MaxModems, os.Getenv("MAX_CONCURRENT_MODEMS"))
		setBool(&c.PackedUSSD, os.Getenv("PACKED_USSD"))
		setBool(&c.AutoConnect, os.Getenv("AUTO_CONNECT"))

		if path := os.Getenv("OPERATORS_FILE"); path != "" {
			c.OperatorsFile = path
		}

		if devices := os.Getenv("EXTRA_DEVICES"); devices != "" {
			c.ExtraDevices = devices
		}

		if url := os.Getenv("NATS_URL"); url != "" {
			c.NATSURL = url
		}

		if subject := os.Getenv("NATS_SUBJECT"); subject != "" {
			c.NATSSubject = subject
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			v := f.Value.String()
			switch f.Name {
			case "bind-address":
				c.BindAddress = v
			case "serial-port":
				c.SerialPort = v
			case "baud-rate":
				setInt(&c.BaudRate, v)
			case "log-level":
				c.LogLevel = v
			case "sim-pin":
				c.SimPIN = v
			case "at-timeout":
				setDuration(&c.ATTimeout, v)
			case "init-timeout":
				setDuration(&c.InitTimeout, v)
			case "max-retries":
				setInt(&c.MaxRetries, v)
			case "ussd-timeout":
				setDuration(&c.USSDTimeout, v)
			case "min-send-interval":
				setDuration(&c.MinSendInterval, v)
			case "packed-ussd":
				setBool(&c.PackedUSSD, v)
			case "sim-poll-interval":
				setDuration(&c.PollInterval, v)
			case "status-parallelism":
				setInt(&c.StatusParallelism, v)
			case "max-modems":
				setInt(&c.MaxModems, v)
			case "operators-file":
				c.OperatorsFile = v
			case "extra-devices":
				c.ExtraDevices = v
			case "auto-connect":
				setBool(&c.AutoConnect, v)
			case "nats-url":
				c.NATSURL = v
			case "nats-subject":
				c.NATSSubject = v
			}
		})
		return nil
	}
}

// Malformed values leave the previous setting in place.
func setInt(dst *int, s string) {
	if s == "" {
		return
	}
	if v, err := strconv.Atoi(s); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if v, err := time.ParseDuration(s); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, s string) {
	if s == "" {
		return
	}
	if v, err := strconv.ParseBool(s); err == nil {
		*dst = v
	}
}

// modemRetries converts MaxRetries for modem.Config, which reads zero as
// its own default.
func (c *Config) modemRetries() int {
	if c.MaxRetries <= 0 {
		return -1
	}
	return c.MaxRetries
}
