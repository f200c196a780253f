package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"topologyd/internal/ingest/kafka"
	"topologyd/internal/ingest/rabbitmq"
	"topologyd/internal/ingest/socket"
	"topologyd/internal/logging"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Journal JournalConfig `mapstructure:"journal"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Feature FeatureConfig `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type LogConfig struct {
	// Env is "prod" for JSON output or "dev" for coloured console output.
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type JournalConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	ReplayOnStart bool   `mapstructure:"replay_on_start"`
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
	Lanes            int    `mapstructure:"lanes"`
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topics         []string      `mapstructure:"topics"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	WorkerCount    int           `mapstructure:"worker_count"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	ParseMode      string        `mapstructure:"parse_mode"`
	SASL           KafkaSASL     `mapstructure:"sasl"`
	TLS            KafkaTLS      `mapstructure:"tls"`
	FetchMinBytes  int32         `mapstructure:"fetch_min_bytes"`
	FetchMaxBytes  int32         `mapstructure:"fetch_max_bytes"`
	FetchMaxWait   time.Duration `mapstructure:"fetch_max_wait"`
}

type KafkaSASL struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type KafkaTLS struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type RabbitMQConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Endpoints     []string      `mapstructure:"endpoints"`
	Exchange      string        `mapstructure:"exchange"`
	Queue         string        `mapstructure:"queue"`
	RoutingKeys   []string      `mapstructure:"routing_keys"`
	ConsumerTag   string        `mapstructure:"consumer_tag"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	Workers       int           `mapstructure:"workers"`
	DeliveryQueue int           `mapstructure:"delivery_queue"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLS           RabbitMQTLS   `mapstructure:"tls"`
}

type RabbitMQTLS struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

// Load reads path (YAML, TOML or JSON by extension) and applies TOPOLOGYD_*
// environment overrides. An empty path loads defaults and env only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("topologyd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "topologyd-1")
	v.SetDefault("log.env", "prod")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "data")
	v.SetDefault("journal.replay_on_start", true)
	v.SetDefault("feature.allow_multiple_adapters", true)

	v.SetDefault("ingest.socket.enabled", true)
	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7070")
	v.SetDefault("ingest.socket.unix_socket_path", "")
	v.SetDefault("ingest.socket.auth_token", "")
	v.SetDefault("ingest.socket.max_inflight", 256)
	v.SetDefault("ingest.socket.global_queue_limit", 65536)
	v.SetDefault("ingest.socket.lanes", 16)

	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.topics", []string{})
	v.SetDefault("ingest.kafka.group_id", "")
	v.SetDefault("ingest.kafka.client_id", "")
	v.SetDefault("ingest.kafka.parse_mode", kafka.ParseModeJSON)
	v.SetDefault("ingest.kafka.worker_count", 4)
	v.SetDefault("ingest.kafka.max_poll_records", 500)
	v.SetDefault("ingest.kafka.queue_capacity", 1024)
	v.SetDefault("ingest.kafka.sasl.enabled", false)
	v.SetDefault("ingest.kafka.sasl.mechanism", "PLAIN")
	v.SetDefault("ingest.kafka.tls.enabled", false)

	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.url", "")
	v.SetDefault("ingest.rabbitmq.exchange", "topology")
	v.SetDefault("ingest.rabbitmq.queue", "topologyd")
	v.SetDefault("ingest.rabbitmq.routing_keys", []string{"#"})
	v.SetDefault("ingest.rabbitmq.prefetch_count", 256)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 1024)
	v.SetDefault("ingest.rabbitmq.dial_timeout", 30*time.Second)
	v.SetDefault("ingest.rabbitmq.tls.enabled", false)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Log.Env {
	case "", "prod", "dev":
	default:
		return fmt.Errorf("log.env must be prod or dev, got %q", c.Log.Env)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	enabled := 0
	if c.Ingest.Socket.Enabled {
		enabled++
		if c.Ingest.Socket.Network == "unix" && c.Ingest.Socket.UnixSocketPath == "" {
			return fmt.Errorf("ingest.socket.unix_socket_path is required for unix network")
		}
	}
	if c.Ingest.Kafka.Enabled {
		enabled++
		if err := c.KafkaAdapter().Validate(); err != nil {
			return fmt.Errorf("ingest.kafka: %w", err)
		}
	}
	if c.Ingest.RabbitMQ.Enabled {
		enabled++
		if err := c.RabbitMQAdapter().Validate(); err != nil {
			return fmt.Errorf("ingest.rabbitmq: %w", err)
		}
	}
	if !c.Feature.AllowMultipleAdapters && enabled > 1 {
		return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
	}
	return nil
}

func (c Config) Logging(service string) logging.Config {
	return logging.Config{Env: c.Log.Env, Level: c.Log.Level, Service: service, NodeID: c.Server.NodeID}
}

func (c Config) SocketServer() socket.Config {
	s := c.Ingest.Socket
	return socket.Config{
		Network:          s.Network,
		Address:          s.Address,
		UnixSocketPath:   s.UnixSocketPath,
		AuthToken:        s.AuthToken,
		MaxInflight:      s.MaxInflight,
		GlobalQueueLimit: s.GlobalQueueLimit,
		Lanes:            s.Lanes,
	}
}

func (c Config) KafkaAdapter() kafka.Config {
	k := c.Ingest.Kafka
	return kafka.Config{
		Enabled:        k.Enabled,
		Brokers:        k.Brokers,
		Topics:         k.Topics,
		GroupID:        k.GroupID,
		ClientID:       k.ClientID,
		WorkerCount:    k.WorkerCount,
		MaxPollRecords: k.MaxPollRecords,
		QueueCapacity:  k.QueueCapacity,
		ParseMode:      k.ParseMode,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: k.SASL.Enabled, Mechanism: k.SASL.Mechanism, Username: k.SASL.Username, Password: k.SASL.Password},
			TLS:  kafka.TLSConfig{Enabled: k.TLS.Enabled, InsecureSkipVerify: k.TLS.InsecureSkipVerify},
		},
		Fetch: kafka.FetchConfig{MinBytes: k.FetchMinBytes, MaxBytes: k.FetchMaxBytes, MaxWait: k.FetchMaxWait},
	}
}

func (c Config) RabbitMQAdapter() rabbitmq.Config {
	r := c.Ingest.RabbitMQ
	return rabbitmq.Config{
		Enabled:       r.Enabled,
		URL:           r.URL,
		Endpoints:     r.Endpoints,
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		RoutingKeys:   r.RoutingKeys,
		ConsumerTag:   r.ConsumerTag,
		PrefetchCount: r.PrefetchCount,
		ManualAck:     true,
		Workers:       r.Workers,
		DeliveryQueue: r.DeliveryQueue,
		DialTimeout:   r.DialTimeout,
		Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
		TLS: rabbitmq.TLSConfig{
			Enabled:            r.TLS.Enabled,
			InsecureSkipVerify: r.TLS.InsecureSkipVerify,
			ServerName:         r.TLS.ServerName,
			CAFile:             r.TLS.CAFile,
			CertFile:           r.TLS.CertFile,
			KeyFile:            r.TLS.KeyFile,
		},
	}
}
