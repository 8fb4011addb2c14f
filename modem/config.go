package modem

import (
	"log/slog"
	"time"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// Config holds the settings of one modem connection. Zero values are
// replaced by defaults; build it with NewConfigBuilder.
type Config struct {
	Dialer Dialer
	SimPIN string
	// MinSendInterval spaces consecutive SMS submissions. Negative disables it.
	MinSendInterval time.Duration
	// MaxRetries is how often an idempotent query is repeated after a
	// transient failure. Zero selects the default of 3, a negative value
	// disables retries.
	MaxRetries  int
	ATTimeout   time.Duration
	InitTimeout time.Duration
	// USSDTimeout bounds the wait for the network answer of a USSD request,
	// separately from the timeout of the AT+CUSD command itself.
	USSDTimeout time.Duration
	// PackedUSSD sends and reads USSD strings as packed GSM 7-bit hex.
	PackedUSSD bool
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MinSendInterval == 0 {
		c.MinSendInterval = time.Minute / 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 30 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.USSDTimeout == 0 {
		c.USSDTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.MinSendInterval = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithUSSDTimeout(d time.Duration) *ConfigBuilder {
	b.config.USSDTimeout = d
	return b
}

func (b *ConfigBuilder) WithPackedUSSD(packed bool) *ConfigBuilder {
	b.config.PackedUSSD = packed
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build applies defaults and validates the result.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
