package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)
	viper.SetDefault("redis.poolTimeout", 5)

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.groupID", "chat-node")

	// MySQL
	viper.SetDefault("mysql.host", "127.0.0.1")
	viper.SetDefault("mysql.port", 3306)
	viper.SetDefault("mysql.user", "root")
	viper.SetDefault("mysql.password", "")
	viper.SetDefault("mysql.database", "chat")

	// Database connection pool
	viper.SetDefault("pool.floor", 4)
	viper.SetDefault("pool.ceiling", 16)
	viper.SetDefault("pool.acquireTimeout", 1000)
	viper.SetDefault("pool.idleTimeout", 60)
	viper.SetDefault("pool.reapInterval", 60)
	viper.SetDefault("pool.retryBackoff", 500)

	// Worker pool
	viper.SetDefault("workers.count", 8)
	viper.SetDefault("workers.queueCapacity", 1024)

	// Presence
	viper.SetDefault("presence.ttl", 60)
	viper.SetDefault("presence.keyPrefix", "online_users:")

	// WebSocket
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.sendQueueSize", 64)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
