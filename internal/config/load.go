package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CONSISTENCY_DATABASE_URL for database.url.
const EnvPrefix = "CONSISTENCY"

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence, then validates it.
// An empty configFile skips file loading.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToPeersHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("config validation failed: duplicate peer id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if _, ok := seen[cfg.Cluster.SelfID]; !ok {
		return errors.New("config validation failed: cluster.self_id must be one of cluster.peers")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.connect_timeout", 30*time.Second)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("cluster.self_id", "")
	v.SetDefault("cluster.peers", "")
	v.SetDefault("cluster.shard_count", 16)
	v.SetDefault("cluster.task_sharded", false)
	v.SetDefault("cluster.strategy", "round_robin")
	v.SetDefault("cluster.shard_key_generator", "snowflake")
	v.SetDefault("cluster.heartbeat_interval", 3*time.Second)
	v.SetDefault("cluster.heartbeat_timeout", 1*time.Second)
	v.SetDefault("cluster.peer_timeout", 15*time.Second)
	v.SetDefault("cluster.assignment_ttl", 10*time.Second)

	v.SetDefault("schedule.interval", 5*time.Second)
	v.SetDefault("schedule.local_batch_size", 100)
	v.SetDefault("schedule.time_range_query", "window")
	v.SetDefault("schedule.query_lookback", 7*24*time.Hour)
	v.SetDefault("schedule.query_limit", 1000)
	v.SetDefault("schedule.stuck_task_age", 30*time.Minute)
	v.SetDefault("schedule.stuck_task_check_interval", 5*time.Minute)

	v.SetDefault("execution.worker_count", 8)
	v.SetDefault("execution.queue_size", 0)
	v.SetDefault("execution.fallback_threshold", 0)
	v.SetDefault("execution.default_interval_sec", 20)
	v.SetDefault("execution.default_alert_expression", "executeTimes > 1 && executeTimes < 5")

	v.SetDefault("local_queue.path", "./data/local_queue")

	v.SetDefault("alert.default_sink", "log")
	v.SetDefault("alert.redis_channel", "consistency:alerts")

	v.SetDefault("redis.url", "")

	v.SetDefault("orders.webhook_url", "")
	v.SetDefault("orders.webhook_timeout", 5*time.Second)
}

// stringToPeersHook decodes "id=url,id=url" into []PeerConfig so the peer
// list can be given as a single environment variable.
func stringToPeersHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]PeerConfig{}) {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return []PeerConfig{}, nil
	}
	var peers []PeerConfig
	for _, part := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=url", part)
		}
		peers = append(peers, PeerConfig{ID: id, URL: url})
	}
	return peers, nil
}
