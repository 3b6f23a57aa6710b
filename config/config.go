package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port           string      `yaml:"port" env:"PORT" env-default:"8080"`
	Environment    string      `yaml:"environment" env:"ENVIRONMENT" env-default:"development"`
	AllowedOrigins []string    `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string      `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"change-me-in-production"`
	LogLevel       string      `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Redis          RedisConfig `yaml:"redis"`
	Call           CallConfig  `yaml:"call"`
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// CallConfig describes the local participant and the shared call slot.
type CallConfig struct {
	ParticipantID string        `yaml:"participant_id" env:"PARTICIPANT_ID"`
	AppID         string        `yaml:"app_id" env:"APP_ID" env-default:"default"`
	Slot          string        `yaml:"slot" env:"CALL_SLOT" env-default:"call_signal"`
	ICEServers    []string      `yaml:"ice_servers" env:"ICE_SERVERS" env-default:"stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"`
	SignalTTL     time.Duration `yaml:"signal_ttl" env:"CALL_SIGNAL_TTL" env-default:"24h"`
	RingTimeout   time.Duration `yaml:"ring_timeout" env:"CALL_RING_TIMEOUT" env-default:"0s"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"CALL_WRITE_TIMEOUT" env-default:"5s"`
	LogBlock      time.Duration `yaml:"log_block" env:"CALL_LOG_BLOCK" env-default:"2s"`
	ReceiveOnly   bool          `yaml:"receive_only" env:"CALL_RECEIVE_ONLY" env-default:"false"`
}

// SlotKey is the mailbox key of the call signal record.
func (c CallConfig) SlotKey() string {
	return fmt.Sprintf("calls:%s:%s", c.AppID, c.Slot)
}

// Load reads the configuration from CONFIG_FILE when set, otherwise from the
// environment alone. Environment variables always win over file values.
func Load() (*Config, error) {
	var cfg Config

	var err error
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Call.ParticipantID == "" {
		return errors.New("PARTICIPANT_ID is required")
	}
	if c.Call.WriteTimeout <= 0 {
		return errors.New("CALL_WRITE_TIMEOUT must be positive")
	}
	if c.Call.RingTimeout < 0 {
		return errors.New("CALL_RING_TIMEOUT must not be negative")
	}
	return nil
}
