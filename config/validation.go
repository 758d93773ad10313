package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Pool.Floor < 1 {
		return errors.New("pool floor must be positive")
	}
	if c.Pool.Ceiling < c.Pool.Floor {
		return errors.New("pool ceiling must be >= pool floor")
	}
	if c.Pool.AcquireTimeout < 1 {
		return errors.New("pool acquire timeout must be positive")
	}

	if c.Workers.Count < 1 {
		return errors.New("worker count must be positive")
	}
	if c.Workers.QueueCapacity < 1 {
		return errors.New("worker queue capacity must be positive")
	}

	if c.Presence.TTL < 1 {
		return errors.New("presence TTL must be positive")
	}
	if c.Presence.KeyPrefix == "" {
		return errors.New("presence key prefix must not be empty")
	}

	if c.WebSocket.SendQueueSize < 1 {
		return errors.New("websocket send queue size must be positive")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "CHATNODE_PORT")

	// Auth
	viper.BindEnv("auth.enabled", "CHATNODE_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "CHATNODE_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "CHATNODE_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "CHATNODE_AUTH_REVOCATION_KEY")

	// Redis / broker
	viper.BindEnv("redis.address", "CHATNODE_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "CHATNODE_REDIS_PASSWORD")
	viper.BindEnv("broker.type", "CHATNODE_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "CHATNODE_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "CHATNODE_KAFKA_GROUPID")

	// MySQL
	viper.BindEnv("mysql.host", "CHATNODE_MYSQL_HOST")
	viper.BindEnv("mysql.port", "CHATNODE_MYSQL_PORT")
	viper.BindEnv("mysql.user", "CHATNODE_MYSQL_USER")
	viper.BindEnv("mysql.password", "CHATNODE_MYSQL_PASSWORD")
	viper.BindEnv("mysql.database", "CHATNODE_MYSQL_DATABASE")

	// Presence
	viper.BindEnv("presence.ttl", "CHATNODE_PRESENCE_TTL")

	// Workers
	viper.BindEnv("workers.count", "CHATNODE_WORKER_COUNT")
	viper.BindEnv("workers.queueCapacity", "CHATNODE_WORKER_QUEUE")
}
