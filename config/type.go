package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Empty NATSURL runs the node with the in-process event bus.
	NATSURL  string `mapstructure:"nats_url"`
	RedisURL string `mapstructure:"redis_url"`

	JWTSecret string `mapstructure:"jwt_secret"`

	PresenceGraceSeconds int `mapstructure:"presence_grace_seconds"`
	TypingTTLSeconds     int `mapstructure:"typing_ttl_seconds"`
}

const (
	defaultPresenceGrace = 10 * time.Second
	defaultTypingTTL     = 4 * time.Second
)

func (c Config) PresenceGrace() time.Duration {
	if c.PresenceGraceSeconds <= 0 {
		return defaultPresenceGrace
	}
	return time.Duration(c.PresenceGraceSeconds) * time.Second
}

func (c Config) TypingTTL() time.Duration {
	if c.TypingTTLSeconds <= 0 {
		return defaultTypingTTL
	}
	return time.Duration(c.TypingTTLSeconds) * time.Second
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RedisURL == "" {
		return errors.New("redis_url is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	return nil
}
