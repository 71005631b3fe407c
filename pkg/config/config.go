package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boristopalov/gladiator/pkg/client"
	"github.com/boristopalov/gladiator/pkg/clock"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/spf13/viper"
)

const (
	configName = "gladiator"
	configType = "toml"
	envPrefix  = "GLADIATOR"
)

type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	League     league.Config    `mapstructure:"league"`
	Client     ClientConfig     `mapstructure:"client"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Providers  ProviderConfig   `mapstructure:"providers"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
}

type GatewayConfig struct {
	Addr             string        `mapstructure:"addr"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	ClockMode        string        `mapstructure:"clock_mode"`
	TickPeriod       time.Duration `mapstructure:"tick_period"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	AllowForcedReset bool          `mapstructure:"allow_forced_reset"`
	HistorySize      int           `mapstructure:"history_size"`
	Seed             int64         `mapstructure:"seed"`
	MaxEpisodeTicks  int           `mapstructure:"max_episode_ticks"`
}

type ClientConfig struct {
	Addr           string               `mapstructure:"addr"`
	Concurrency    int                  `mapstructure:"concurrency"`
	Agent          string               `mapstructure:"agent"`
	Role           string               `mapstructure:"role"`
	RequestTimeout time.Duration        `mapstructure:"request_timeout"`
	StepTimeout    time.Duration        `mapstructure:"step_timeout"`
	Backoff        client.BackoffPolicy `mapstructure:"backoff"`
}

type StorageConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

// ProviderConfig applies to hosted-model opponents. Kind is used for
// external entries that do not name a provider.
type ProviderConfig struct {
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ExperimentConfig struct {
	Name      string `mapstructure:"name"`
	Episodes  int    `mapstructure:"episodes"`
	StatsPath string `mapstructure:"stats_path"`
	Window    int    `mapstructure:"window"`
	Seed      int64  `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.addr", "127.0.0.1:7070")
	v.SetDefault("gateway.max_sessions", 256)
	v.SetDefault("gateway.clock_mode", string(clock.ModeLockstep))
	v.SetDefault("gateway.tick_period", clock.DefaultTickPeriod)
	v.SetDefault("gateway.stall_timeout", 5*time.Second)
	v.SetDefault("gateway.allow_forced_reset", false)
	v.SetDefault("gateway.history_size", 32)
	v.SetDefault("gateway.seed", 1)
	v.SetDefault("gateway.max_episode_ticks", 500)

	def := league.DefaultConfig()
	mix := make([]map[string]any, 0, len(def.Mix))
	for _, share := range def.Mix {
		mix = append(mix, map[string]any{"strategy": string(share.Strategy), "percent": share.Percent})
	}
	v.SetDefault("league.mix", mix)
	v.SetDefault("league.targeted", []string{})
	v.SetDefault("league.external_pool", "")
	v.SetDefault("league.main_agent", def.MainAgent)
	v.SetDefault("league.initial_rating", def.InitialRating)
	v.SetDefault("league.k_factor", def.KFactor)
	v.SetDefault("league.max_step", def.MaxStep)
	v.SetDefault("league.priority_exponent", def.PriorityExponent)
	v.SetDefault("league.max_active_checkpoints", 0)
	v.SetDefault("league.pool_file", "")
	v.SetDefault("league.seed", 0)

	v.SetDefault("client.addr", "127.0.0.1:7070")
	v.SetDefault("client.concurrency", 4)
	v.SetDefault("client.agent", def.MainAgent)
	v.SetDefault("client.role", string(league.RoleMain))
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.step_timeout", 30*time.Second)
	v.SetDefault("client.backoff.initial_backoff", 50*time.Millisecond)
	v.SetDefault("client.backoff.max_backoff", 2*time.Second)
	v.SetDefault("client.backoff.backoff_factor", 2.0)
	v.SetDefault("client.backoff.max_retries", 5)

	v.SetDefault("storage.kind", "memory")
	v.SetDefault("storage.path", "gladiator.db")

	v.SetDefault("providers.kind", "openai")
	v.SetDefault("providers.base_url", "")
	v.SetDefault("providers.api_key", "")
	v.SetDefault("providers.timeout", "20s")

	v.SetDefault("experiment.name", "smoke")
	v.SetDefault("experiment.episodes", 100)
	v.SetDefault("experiment.stats_path", "")
	v.SetDefault("experiment.window", 10)
	v.SetDefault("experiment.seed", 1)
}

// LoadConfig reads configuration from path, or from gladiator.toml in the
// working directory when path is empty. A missing default file is not an
// error. GLADIATOR_<SECTION>_<KEY> environment variables override both.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := clock.ParseMode(c.Gateway.ClockMode); err != nil {
		return fmt.Errorf("gateway.clock_mode: %w", err)
	}
	if c.Gateway.MaxSessions < 0 {
		return fmt.Errorf("gateway.max_sessions must not be negative")
	}
	total := 0.0
	for _, share := range c.League.Mix {
		if _, err := league.ParseStrategy(string(share.Strategy)); err != nil {
			return fmt.Errorf("league.mix: %w", err)
		}
		if share.Percent < 0 {
			return fmt.Errorf("league.mix: %s has a negative share", share.Strategy)
		}
		total += share.Percent
	}
	if total > 100 {
		return fmt.Errorf("league.mix adds up to %.0f%%, more than 100%%", total)
	}
	if c.Client.Concurrency <= 0 {
		return fmt.Errorf("client.concurrency must be positive")
	}
	switch c.Storage.Kind {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.kind %q is not one of memory, sqlite", c.Storage.Kind)
	}
	return nil
}
