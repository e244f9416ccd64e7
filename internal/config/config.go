package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the api and migrate binaries.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Auth struct {
		Secret            string        `mapstructure:"secret"`
		TokenTTL          time.Duration `mapstructure:"token_ttl"`
		ActorCacheTTL     time.Duration `mapstructure:"actor_cache_ttl"`
		BootstrapHandle   string        `mapstructure:"bootstrap_handle"`
		BootstrapPassword string        `mapstructure:"bootstrap_password"`
	} `mapstructure:"auth"`
	Rate struct {
		Burst     int     `mapstructure:"burst"`
		PerSecond float64 `mapstructure:"per_second"`
	} `mapstructure:"rate"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
	Migrations struct {
		Auto bool `mapstructure:"auto"`
	} `mapstructure:"migrations"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("auth.actor_cache_ttl", 30*time.Second)
	v.SetDefault("auth.bootstrap_handle", "")
	v.SetDefault("auth.bootstrap_password", "")
	v.SetDefault("rate.burst", 200)
	v.SetDefault("rate.per_second", 100.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("migrations.auto", false)
}

// Load reads ecofleet.yaml from the working directory or any of paths, then
// applies ECOFLEET_* environment overrides (ECOFLEET_AUTH_SECRET for
// auth.secret). A missing config file is not an error.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("ecofleet")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("ECOFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.CORS.AllowedOrigins = splitOrigins(c.CORS.AllowedOrigins)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the api cannot start with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Auth.Secret) == "" {
		problems = append(problems, "auth.secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		problems = append(problems, "auth.token_ttl must be positive")
	}
	if c.Rate.Burst <= 0 || c.Rate.PerSecond <= 0 {
		problems = append(problems, "rate.burst and rate.per_second must be positive")
	}
	if (c.Auth.BootstrapHandle == "") != (c.Auth.BootstrapPassword == "") {
		problems = append(problems, "auth.bootstrap_handle and auth.bootstrap_password go together")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated string.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
