// Package config loads daemon settings from a YAML file and VENN_
// environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/venn-chat/venn/internal/util"
)

// Config is the resolved daemon configuration.
type Config struct {
	GatewayURL string `mapstructure:"gateway_url"`
	APIURL     string `mapstructure:"api_url"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`

	STUNServers []string `mapstructure:"stun_servers"`
	DataDir     string   `mapstructure:"data_dir"`
}

// Loader wraps a viper instance so callers can watch for file changes.
type Loader struct {
	v *viper.Viper
}

// Load reads the config file at path (optional, may be "") plus the
// environment, with defaults matching the public gateway.
func Load(path string) (*Loader, *Config, error) {
	v := viper.New()

	v.SetDefault("gateway_url", "")
	v.SetDefault("api_url", "")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("reconnect_base_delay", time.Second)
	v.SetDefault("reconnect_max_delay", 30*time.Second)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("data_dir", "./data")

	v.SetEnvPrefix("VENN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unpack(v)
	if err != nil {
		return nil, nil, err
	}
	return &Loader{v: v}, cfg, nil
}

// Watch re-reads the config file on change and invokes onChange with the new
// values. No-op when no config file was loaded.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unpack(l.v)
		if err != nil {
			util.LogWarning("config reload failed: %v", err)
			return
		}
		util.LogInfo("config reloaded from %s", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func unpack(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
