package config

import (
	"fmt"
	"time"
)

// Grouping modes.
const (
	ModeDisabled = "disabled"
	ModeMarker   = "marker"
	ModeTimer    = "timer"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    Database          `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Sharding    ShardingConfig    `json:"sharding"`
	Grouping    GroupingConfig    `json:"grouping"`
	Consumer    ConsumerConfig    `json:"consumer"`
	Notifier    NotifierConfig    `json:"notifier"`
	Sentry      SentryConfig      `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port" validate:"required,gt=0"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type Database struct {
	DSN string `json:"dsn" validate:"required"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes" validate:"min=1"`
}

type RedisNode struct {
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"required"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type ObjectStoreConfig struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
}

// ShardingConfig carries the ordered list of shard streams. The shard
// count is the length of the list; order matters because the hash index
// selects by position.
type ShardingConfig struct {
	IngestStream string   `json:"ingest_stream" validate:"required"`
	ShardStreams []string `json:"shard_streams" validate:"min=1,dive,required"`
	WorkerStream string   `json:"worker_stream" validate:"required"`
}

type GroupingConfig struct {
	Enabled      bool          `json:"enabled"`
	Mode         string        `json:"mode" validate:"required,oneof=marker timer"`
	TimerAllowed bool          `json:"timer_allowed"`
	GracePeriod  time.Duration `json:"grace_period"`
	TimerDelay   time.Duration `json:"timer_delay"`
}

// EffectiveMode resolves the deployment-level operating mode. Timer mode
// additionally requires the timer-allowed flag; without it we fall back to
// marker mode.
func (g GroupingConfig) EffectiveMode() string {
	if !g.Enabled {
		return ModeDisabled
	}
	if g.Mode == ModeTimer && g.TimerAllowed {
		return ModeTimer
	}
	return ModeMarker
}

type ConsumerConfig struct {
	Group        string        `json:"group" validate:"required"`
	Workers      int           `json:"workers" validate:"gt=0"`
	MaxAttempts  int           `json:"max_attempts" validate:"gt=0"`
	MaxLen       int64         `json:"max_len"`
	BackoffBase  time.Duration `json:"backoff_base"`
	BlockTimeout time.Duration `json:"block_timeout"`
	DeadLetter   string        `json:"dead_letter" validate:"required"`
}

type NotifierConfig struct {
	ChangeStream string `json:"change_stream" validate:"required"`
	Topic        string `json:"topic" validate:"required"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
