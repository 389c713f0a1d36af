package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the promoter configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Replica    ReplicaConfig    `mapstructure:"replica"`
	Promotion  PromotionConfig  `mapstructure:"promotion"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Membership MembershipConfig `mapstructure:"membership"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the replica gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	MaxRecvMsgSize  int           `mapstructure:"max_recv_msg_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the gRPC listen address
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig represents the admin HTTP server configuration
type AdminConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PromoteRPS   float64       `mapstructure:"promote_rps"`
	PromoteBurst int           `mapstructure:"promote_burst"`
}

// ReplicaConfig represents the local replica configuration. A node with
// replica.enabled false only coordinates promotions.
type ReplicaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
	// AdvertiseAddress is the RPC address other nodes dial; defaults to server host:port
	AdvertiseAddress string  `mapstructure:"advertise_address"`
	Partitions       []int32 `mapstructure:"partitions"`
	ChunkSize        int     `mapstructure:"chunk_size"`
}

// PromotionConfig represents promotion episode configuration
type PromotionConfig struct {
	EpisodeTimeout time.Duration `mapstructure:"episode_timeout"`
	ExcludeLeader  bool          `mapstructure:"exclude_leader"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

// TransportConfig represents replica RPC client configuration
type TransportConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RepairsPerSecond float64       `mapstructure:"repairs_per_second"`
	RepairBurst      int           `mapstructure:"repair_burst"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	InboxSize        int           `mapstructure:"inbox_size"`
	MaxMessageSize   int           `mapstructure:"max_message_size"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// Membership modes
const (
	MembershipStatic = "static"
	MembershipGossip = "gossip"
)

// MembershipConfig represents coordination service configuration
type MembershipConfig struct {
	Mode           string        `mapstructure:"mode"`
	StaticFile     string        `mapstructure:"static_file"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// RedisConfig represents the Redis epoch store configuration. When disabled
// epochs are allocated in memory.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig represents the PostgreSQL episode store configuration. When
// disabled episodes are kept in memory.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	Migrate        bool   `mapstructure:"migrate"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
		return errors.New("admin.port must differ from server.port")
	}
	if c.Replica.Enabled {
		if c.Replica.DataDir == "" {
			return errors.New("replica.data_dir is required when replica.enabled")
		}
		if c.Replica.ChunkSize <= 0 {
			return errors.New("replica.chunk_size must be positive")
		}
		for _, p := range c.Replica.Partitions {
			if p < 0 {
				return fmt.Errorf("replica.partitions: invalid partition %d", p)
			}
		}
	}
	if c.Promotion.EpisodeTimeout <= 0 {
		return errors.New("promotion.episode_timeout must be positive")
	}
	if c.Transport.RequestTimeout <= 0 {
		return errors.New("transport.request_timeout must be positive")
	}
	if c.Transport.RepairsPerSecond < 0 {
		return errors.New("transport.repairs_per_second must not be negative")
	}
	switch c.Membership.Mode {
	case MembershipStatic:
		if c.Membership.StaticFile == "" {
			return errors.New("membership.static_file is required in static mode")
		}
	case MembershipGossip:
		if c.Membership.BindPort <= 0 || c.Membership.BindPort > 65535 {
			return errors.New("membership.bind_port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("membership.mode must be one of: %s, %s", MembershipStatic, MembershipGossip)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis.enabled")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required when database.enabled")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required when database.enabled")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required when database.enabled")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            50061,
			NodeID:          "promoter-1",
			MaxRecvMsgSize:  16 * 1024 * 1024,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
			PromoteRPS:   5,
			PromoteBurst: 10,
		},
		Replica: ReplicaConfig{
			Enabled:   true,
			DataDir:   "./data",
			ChunkSize: 512,
		},
		Promotion: PromotionConfig{
			EpisodeTimeout: 30 * time.Second,
			HistoryLimit:   50,
		},
		Transport: TransportConfig{
			RequestTimeout:   10 * time.Second,
			RepairsPerSecond: 0,
			RepairBurst:      100,
			Workers:          16,
			QueueSize:        1024,
			InboxSize:        256,
			MaxMessageSize:   16 * 1024 * 1024,
			KeepaliveTime:    30 * time.Second,
			KeepaliveTimeout: 10 * time.Second,
		},
		Membership: MembershipConfig{
			Mode:           MembershipStatic,
			StaticFile:     "./replicas.yaml",
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeInterval:  1 * time.Second,
			ProbeTimeout:   500 * time.Millisecond,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "pairdb",
			User:           "promoter",
			MaxConnections: 10,
			MinConnections: 2,
			Migrate:        true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
