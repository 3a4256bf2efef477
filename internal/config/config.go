package config

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyEnv()
	return nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// config.json. Empty env vars leave the file values in place.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY_ID"); v != "" {
		c.ObjectStore.AccessKeyID = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		c.Sentry.SentryDSN = v
	}
}

// Validate checks the loaded config for the invariants the rest of the
// service assumes (at least one shard stream, known grouping mode, ...).
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
