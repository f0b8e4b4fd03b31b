package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/callsig/internal/adapters/rtc"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SendBuffer    int           `mapstructure:"send_buffer"`

	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	MaxParticipants int           `mapstructure:"max_participants"`

	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`

	Secret     string `mapstructure:"secret"`
	AllowGuest bool   `mapstructure:"allow_guest"`

	DBPath     string          `mapstructure:"db_path"`
	ICEServers []rtc.ICEServer `mapstructure:"ice_servers"`
}

const envPrefix = "CALLSIG"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("idle_timeout", "60s")
	v.SetDefault("sweep_interval", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("max_participants", 8)
	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("secret", "")
	v.SetDefault("allow_guest", true)
	v.SetDefault("db_path", "data/calls.db")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) and applies
// CALLSIG_* environment overrides on top.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = rtc.DefaultICEServers()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring_timeout must be positive")
	}
	if c.MaxParticipants < 0 {
		return fmt.Errorf("max_participants must not be negative")
	}
	if c.IdleTimeout > 0 && c.PingPeriod >= c.IdleTimeout {
		return fmt.Errorf("ping_period %s must be shorter than idle_timeout %s", c.PingPeriod, c.IdleTimeout)
	}
	return nil
}
