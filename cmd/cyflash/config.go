package main

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/davejbax/cyflash/internal/transport"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type config struct {
	Timeout   time.Duration `mapstructure:"timeout" default:"5s"`
	ChunkSize int           `mapstructure:"chunk_size" default:"25"`

	Serial transport.SerialConfig `mapstructure:"serial"`
	CAN    transport.CANConfig    `mapstructure:"canbus"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return config, nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	// Durations and numbers in the file may be written as strings ("5s")
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToBasicTypeHookFunc(),
	))

	if err := viper.Unmarshal(config, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
