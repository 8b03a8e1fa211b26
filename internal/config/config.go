// Package config reads service settings from flags, RECURFLOW_* environment variables and an
// optional YAML file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "RECURFLOW"

type Config struct {
	Addr            string        `mapstructure:"addr"`
	SchedulesDir    string        `mapstructure:"schedules_dir"`
	TasksFile       string        `mapstructure:"tasks_file"`
	WatchTasks      bool          `mapstructure:"watch_tasks"`
	DBPath          string        `mapstructure:"db"`
	Workers         int           `mapstructure:"workers"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("schedules_dir", "schedules")
	v.SetDefault("tasks_file", "tasks.yaml")
	v.SetDefault("watch_tasks", true)
	v.SetDefault("db", "recurflow.db")
	v.SetDefault("workers", 8)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// New returns a viper instance with defaults and environment binding. configFile may be
// empty.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// Load decodes and validates v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr must not be empty")
	case c.SchedulesDir == "":
		return errors.New("schedules_dir must not be empty")
	case c.TasksFile == "":
		return errors.New("tasks_file must not be empty")
	case c.DBPath == "":
		return errors.New("db must not be empty")
	case c.Workers <= 0:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.ShutdownTimeout <= 0:
		return errors.Newf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}
