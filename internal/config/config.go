package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure"`

	Log    Log    `mapstructure:"log"`
	Store  Store  `mapstructure:"store"`
	Client Client `mapstructure:"client"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Buffer int    `mapstructure:"buffer"`
}

// Client configures the headless participant (cmd/peer).
type Client struct {
	ServerURL      string          `mapstructure:"server_url"`
	Name           string          `mapstructure:"name"`
	Meeting        string          `mapstructure:"meeting"`
	ICEServers     []string        `mapstructure:"ice_servers"`
	RetryDelay     time.Duration   `mapstructure:"retry_delay"`
	FallbackDelay  time.Duration   `mapstructure:"fallback_delay"`
	FailureGrace   time.Duration   `mapstructure:"failure_grace"`
	MaxResets      int             `mapstructure:"max_resets"`
	ResetWindow    time.Duration   `mapstructure:"reset_window"`
	ReconnectTiers []time.Duration `mapstructure:"reconnect_tiers"`
	// Media is "synthetic", "audio" or "none".
	Media string `mapstructure:"media"`
	// Loopback gathers loopback candidates, for peers on one host.
	Loopback bool `mapstructure:"loopback"`
}

// PongWait is how long a socket may stay silent before it is dropped.
func (c *Config) PongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "change-me")
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("backpressure", "kick")

	v.SetDefault("log.level", "info")

	v.SetDefault("store.driver", "none")
	v.SetDefault("store.path", "meet.db")
	v.SetDefault("store.buffer", 256)

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.name", "guest")
	v.SetDefault("client.meeting", "")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.retry_delay", "1s")
	v.SetDefault("client.fallback_delay", "2s")
	v.SetDefault("client.failure_grace", "5s")
	v.SetDefault("client.max_resets", 5)
	v.SetDefault("client.reset_window", "1m")
	v.SetDefault("client.reconnect_tiers", []string{"1s", "2s", "5s"})
	v.SetDefault("client.media", "synthetic")
	v.SetDefault("client.loopback", false)
}

// clientFlags maps command line flags onto client keys.
var clientFlags = map[string]string{
	"name":     "client.name",
	"join":     "client.meeting",
	"server":   "client.server_url",
	"media":    "client.media",
	"loopback": "client.loopback",
}

// ClientFlags registers the command line overrides of the client section.
// Defaults stay empty so that unset flags fall through to the file.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "display name")
	fs.String("join", "", "meeting id to join; empty creates one")
	fs.String("server", "", "relay websocket url")
	fs.String("media", "", "local capture: synthetic, audio or none")
	fs.Bool("loopback", false, "gather loopback candidates (peers on one host)")
}

// BindClientFlags makes flags set on the command line win over env and file,
// then decodes the merged config.
func BindClientFlags(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	for name, key := range clientFlags {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return decode(v)
}

// Load reads config/config.<CONFIG_ENV>.yaml, defaulting to dev.
func Load() (*Config, *viper.Viper, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one yaml file on top of defaults. A missing file is not an
// error. Every key can be overridden with MEET_<KEY>, dots becoming
// underscores.
func LoadFile(fileName string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch re-decodes the config whenever its file changes and hands the result
// to onChange. Only settings read at use time (such as the log level) take
// effect without a restart.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}

// ApplyLogLevel sets the global zerolog level. Unknown levels keep the
// current one.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		log.Warn().Str("module", "config").Str("level", level).Msg("unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
