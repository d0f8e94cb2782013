package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	LogLevel  string          `mapstructure:"log_level"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	ICE       ICEConfig       `mapstructure:"ice"`
}

// RelayConfig drives the fan-out relay server.
type RelayConfig struct {
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// SignalConfig selects the client-side relay transport.
type SignalConfig struct {
	Transport   string        `mapstructure:"transport"` // "ws" or "mqtt"
	URL         string        `mapstructure:"url"`
	MQTTBroker  string        `mapstructure:"mqtt_broker"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type SyncConfig struct {
	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	PlayPauseLock    time.Duration `mapstructure:"play_pause_lock"`
	SeekLock         time.Duration `mapstructure:"seek_lock"`
	StartupGrace     time.Duration `mapstructure:"startup_grace"`
	AdapterTimeout   time.Duration `mapstructure:"adapter_timeout"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	SendQuietPeriod  time.Duration `mapstructure:"send_quiet_period"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	InteractionGuard time.Duration `mapstructure:"interaction_guard"`
	DriftTolerance   time.Duration `mapstructure:"drift_tolerance"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// AnswerTimeout bounds the wait for an answer to a reconnection offer.
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
}

type ICEConfig struct {
	Servers []string `mapstructure:"servers"`
}

// DefaultSync returns the thresholds the sync core is tuned for.
func DefaultSync() SyncConfig {
	return SyncConfig{
		DebounceWindow:   200 * time.Millisecond,
		PlayPauseLock:    time.Second,
		SeekLock:         2 * time.Second,
		StartupGrace:     3 * time.Second,
		AdapterTimeout:   time.Second,
		SyncInterval:     10 * time.Second,
		SendQuietPeriod:  5 * time.Second,
		StaleAfter:       5 * time.Second,
		InteractionGuard: 10 * time.Second,
		DriftTolerance:   3 * time.Second,
	}
}

func DefaultReconnect() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   5,
		AnswerTimeout: 10 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.secret", "change-me")
	v.SetDefault("relay.send_buffer", 32)
	v.SetDefault("relay.rate_limit", 50)
	v.SetDefault("relay.rate_interval", "1s")

	v.SetDefault("signal.transport", "ws")
	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("signal.topic_prefix", "toperparty")
	v.SetDefault("signal.dial_timeout", "10s")

	s := DefaultSync()
	v.SetDefault("sync.debounce_window", s.DebounceWindow)
	v.SetDefault("sync.play_pause_lock", s.PlayPauseLock)
	v.SetDefault("sync.seek_lock", s.SeekLock)
	v.SetDefault("sync.startup_grace", s.StartupGrace)
	v.SetDefault("sync.adapter_timeout", s.AdapterTimeout)
	v.SetDefault("sync.sync_interval", s.SyncInterval)
	v.SetDefault("sync.send_quiet_period", s.SendQuietPeriod)
	v.SetDefault("sync.stale_after", s.StaleAfter)
	v.SetDefault("sync.interaction_guard", s.InteractionGuard)
	v.SetDefault("sync.drift_tolerance", s.DriftTolerance)

	r := DefaultReconnect()
	v.SetDefault("reconnect.base_delay", r.BaseDelay)
	v.SetDefault("reconnect.max_delay", r.MaxDelay)
	v.SetDefault("reconnect.max_attempts", r.MaxAttempts)
	v.SetDefault("reconnect.answer_timeout", r.AnswerTimeout)

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("transport", cfg.Signal.Transport).
		Int("relay_port", cfg.Relay.Port).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Signal.Transport {
	case "ws", "mqtt":
	default:
		return fmt.Errorf("unsupported signal transport %q", c.Signal.Transport)
	}
	if c.Relay.Secret == "" {
		return fmt.Errorf("relay.secret must not be empty")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Sync.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_window must be positive")
	}
	return nil
}
