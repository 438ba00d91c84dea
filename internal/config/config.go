// Package config loads server configuration from an optional YAML file,
// STATESYNC_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envVarPrefix = "STATESYNC"

// Config contains every option the server reads at start-up. It is not
// modified after Load returns.
type Config struct {
	Server struct {
		// UDP address the server binds.
		Addr string `mapstructure:"addr"`
		// Simulation steps per second.
		TickRate int `mapstructure:"tick_rate"`
		// Silence after which a client is evicted. Zero or negative disables eviction.
		HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
		// How often heartbeats are swept.
		ServiceInterval time.Duration `mapstructure:"service_interval"`
		Workers         int           `mapstructure:"workers"`
		QueueSize       int           `mapstructure:"queue_size"`
		MaxDatagram     int           `mapstructure:"max_datagram"`
		// Inbound datagrams per second allowed per client. Zero is unlimited.
		RateLimit float64 `mapstructure:"rate_limit"`
		RateBurst int     `mapstructure:"rate_burst"`
	} `mapstructure:"server"`

	Reliable struct {
		ResendAfter time.Duration `mapstructure:"resend_after"`
		MaxSequence uint32        `mapstructure:"max_sequence"`
	} `mapstructure:"reliable"`

	Protocol struct {
		// Payloads larger than this many bytes are LZ4 compressed. Zero disables.
		CompressAbove int `mapstructure:"compress_above"`
	} `mapstructure:"protocol"`

	World struct {
		Width  float64 `mapstructure:"width"`
		Height float64 `mapstructure:"height"`
	} `mapstructure:"world"`

	Game struct {
		PlayerSpeed    float64       `mapstructure:"player_speed"`
		BulletSpeed    float64       `mapstructure:"bullet_speed"`
		BulletLifetime time.Duration `mapstructure:"bullet_lifetime"`
		MaxBullets     int           `mapstructure:"max_bullets"`
	} `mapstructure:"game"`

	Log struct {
		// Minimum level written. Options: debug, info, warn, error
		Level string `mapstructure:"level"`
		// Rotated log file. Blank writes to stderr.
		File string `mapstructure:"file"`
		// Dump every decoded envelope at debug level.
		Packets bool `mapstructure:"packets"`
	} `mapstructure:"log"`

	Analytics struct {
		// SQLite database path. Blank disables persistence.
		DBPath string `mapstructure:"db_path"`
	} `mapstructure:"analytics"`

	Admin struct {
		// HTTP address of the admin surface. Blank disables it.
		Addr string `mapstructure:"addr"`
		// bcrypt hash of the operator password.
		PasswordHash string `mapstructure:"password_hash"`
		// Address advertised in the join QR code.
		PublicAddr   string `mapstructure:"public_addr"`
		SpectateRate int    `mapstructure:"spectate_rate"`
	} `mapstructure:"admin"`
}

var defaults = map[string]interface{}{
	"server.addr":              "127.0.0.1:9999",
	"server.tick_rate":         60,
	"server.heartbeat_timeout": "10s",
	"server.service_interval":  "100ms",
	"server.workers":           4,
	"server.queue_size":        256,
	"server.max_datagram":      8192,
	"server.rate_limit":        0,
	"server.rate_burst":        32,
	"reliable.resend_after":    "2s",
	"reliable.max_sequence":    10000,
	"protocol.compress_above":  0,
	"world.width":              20,
	"world.height":             10,
	"game.player_speed":        5,
	"game.bullet_speed":        8,
	"game.bullet_lifetime":     "2s",
	"game.max_bullets":         500,
	"log.level":                "info",
	"log.file":                 "",
	"log.packets":              false,
	"analytics.db_path":        "",
	"admin.addr":               "",
	"admin.password_hash":      "",
	"admin.public_addr":        "",
	"admin.spectate_rate":      10,
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"addr":       "server.addr",
	"tick-rate":  "server.tick_rate",
	"heartbeat":  "server.heartbeat_timeout",
	"log-level":  "log.level",
	"log-file":   "log.file",
	"db":         "analytics.db_path",
	"admin-addr": "admin.addr",
}

// Flags returns the command-line flag set understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", ".", "directory containing config.yaml")
	fs.String("addr", "", "UDP address to bind")
	fs.Int("tick-rate", 0, "simulation steps per second")
	fs.Duration("heartbeat", 0, "client heartbeat timeout (<=0 disables eviction)")
	fs.String("log-level", "", "minimum log level: debug, info, warn, error")
	fs.String("log-file", "", "write logs to this rotated file")
	fs.String("db", "", "SQLite analytics database path")
	fs.String("admin-addr", "", "HTTP address for the admin surface")
	return fs
}

// Load parses args with fs and merges defaults, config file, environment and
// flags into a validated Config.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	configPath, _ := fs.GetString("config")
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	// Nested keys can be set through the environment, for example
	// server.tick_rate through STATESYNC_SERVER_TICK_RATE.
	v.SetEnvPrefix(envVarPrefix)
	for _, k := range v.AllKeys() {
		envVar := envVarPrefix + "_" + strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVar); err != nil {
			return nil, errors.Wrapf(err, "binding %s to %s", k, envVar)
		}
	}

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "binding flag %s", name)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr must be set")
	case c.Server.TickRate <= 0:
		return errors.Errorf("server.tick_rate must be positive, got %d", c.Server.TickRate)
	case c.Server.ServiceInterval <= 0:
		return errors.Errorf("server.service_interval must be positive, got %v", c.Server.ServiceInterval)
	case c.Server.Workers <= 0:
		return errors.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	case c.Server.QueueSize <= 0:
		return errors.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	case c.Server.RateLimit < 0:
		return errors.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	case c.Reliable.ResendAfter <= 0:
		return errors.Errorf("reliable.resend_after must be positive, got %v", c.Reliable.ResendAfter)
	case c.Reliable.MaxSequence < 2:
		return errors.Errorf("reliable.max_sequence must be at least 2, got %d", c.Reliable.MaxSequence)
	case c.World.Width <= 1 || c.World.Height <= 1:
		return errors.Errorf("world size must exceed 1x1, got %vx%v", c.World.Width, c.World.Height)
	case c.Game.MaxBullets <= 0:
		return errors.Errorf("game.max_bullets must be positive, got %d", c.Game.MaxBullets)
	}
	return nil
}
