package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	MySQL     MySQLConfig
	Pool      PoolConfig
	Workers   WorkerConfig
	Presence  PresenceConfig
	WebSocket WebSocketConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// PoolConfig bounds the database connection pool.
type PoolConfig struct {
	Floor          int
	Ceiling        int
	AcquireTimeout int // Milliseconds
	IdleTimeout    int // Seconds
	ReapInterval   int // Seconds
	RetryBackoff   int // Milliseconds
}

type WorkerConfig struct {
	Count         int
	QueueCapacity int
}

type PresenceConfig struct {
	TTL       int // Seconds
	KeyPrefix string
}

type WebSocketConfig struct {
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	WriteTimeout     int // Seconds
	SendQueueSize    int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("CHATNODE")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
