package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Cluster    ClusterConfig    `mapstructure:"cluster" validate:"required"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" validate:"required"`
	Execution  ExecutionConfig  `mapstructure:"execution" validate:"required"`
	LocalQueue LocalQueueConfig `mapstructure:"local_queue" validate:"required"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Orders     OrdersConfig     `mapstructure:"orders"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig controls the process-wide slog logger.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format    string `mapstructure:"format" validate:"required,oneof=json text"`
	AddSource bool   `mapstructure:"add_source"`
}

// DatabaseConfig contains the central store connection settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// ConnectTimeout bounds the total time spent retrying the initial connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// PeerConfig is one statically configured cluster member.
type PeerConfig struct {
	ID  string `mapstructure:"id" validate:"required"`
	URL string `mapstructure:"url" validate:"required,url"`
}

// ClusterConfig contains election and sharding settings.
type ClusterConfig struct {
	SelfID            string        `mapstructure:"self_id" validate:"required"`
	Peers             []PeerConfig  `mapstructure:"peers" validate:"required,min=1,dive"`
	ShardCount        int64         `mapstructure:"shard_count" validate:"gt=0"`
	TaskSharded       bool          `mapstructure:"task_sharded"`
	Strategy          string        `mapstructure:"strategy" validate:"required,oneof=round_robin hash_ring"`
	ShardKeyGenerator string        `mapstructure:"shard_key_generator"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0"`
	// PeerTimeout is how long the leader keeps a silent follower in the assignment.
	PeerTimeout time.Duration `mapstructure:"peer_timeout" validate:"gt=0"`
	// AssignmentTTL is how long a follower trusts its last assignment
	// without a successful heartbeat. Must not exceed PeerTimeout.
	AssignmentTTL time.Duration `mapstructure:"assignment_ttl" validate:"gt=0,ltefield=PeerTimeout"`
}

// ScheduleConfig controls the schedule manager loop.
type ScheduleConfig struct {
	Interval               time.Duration `mapstructure:"interval" validate:"gt=0"`
	LocalBatchSize         int           `mapstructure:"local_batch_size" validate:"gt=0"`
	TimeRangeQuery         string        `mapstructure:"time_range_query"`
	QueryLookback          time.Duration `mapstructure:"query_lookback" validate:"gt=0"`
	QueryLimit             int           `mapstructure:"query_limit" validate:"gt=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
}

// ExecutionConfig controls the execution engine and worker pool.
type ExecutionConfig struct {
	WorkerCount            int    `mapstructure:"worker_count" validate:"gt=0"`
	QueueSize              int    `mapstructure:"queue_size" validate:"gte=0"`
	FallbackThreshold      int    `mapstructure:"fallback_threshold" validate:"gte=0"`
	DefaultIntervalSec     int    `mapstructure:"default_interval_sec" validate:"gte=0"`
	DefaultAlertExpression string `mapstructure:"default_alert_expression"`
}

// LocalQueueConfig locates the node-local bbolt file.
type LocalQueueConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// AlertConfig selects where alerts go when an instance names no sink.
type AlertConfig struct {
	DefaultSink  string `mapstructure:"default_sink" validate:"required"`
	RedisChannel string `mapstructure:"redis_channel"`
}

// RedisConfig enables the redis alert sink when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// OrdersConfig controls delivery of the demo order messages. Messages are
// logged when WebhookURL is empty.
type OrdersConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`
}

// PeerURL returns the configured URL of a peer.
func (c ClusterConfig) PeerURL(id string) (string, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.URL, true
		}
	}
	return "", false
}
