package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kysua/chat-server/broker"
	"github.com/kysua/chat-server/config"
	"github.com/kysua/chat-server/logger"
	"github.com/kysua/chat-server/metrics"
	"github.com/kysua/chat-server/model"
	"github.com/kysua/chat-server/pool"
	"github.com/kysua/chat-server/presence"
	"github.com/kysua/chat-server/server"
	"github.com/kysua/chat-server/service"
	"github.com/kysua/chat-server/session"
	"github.com/kysua/chat-server/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	zlog, err := logger.New(env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	// Every node gets a cluster-unique id; it names both this node's
	// presence records and its pub/sub channel.
	nodeID := uuid.New().String()
	zlog.Info("starting chat node", zap.String("node_id", nodeID))

	// Redis serves the presence store, the Redis broker and the JWT
	// revocation list from one client.
	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		PoolTimeout: time.Duration(cfg.Redis.PoolTimeout) * time.Second,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	presenceStore := presence.NewStore(redisClient, cfg.Presence.KeyPrefix,
		time.Duration(cfg.Presence.TTL)*time.Second)

	var messageBroker broker.MessageBroker
	zlog.Info("initializing message broker", zap.String("type", cfg.Broker.Type))
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient, zlog)
	case "kafka":
		// Each node consumes its own topic in full, so the group id must
		// be unique per node.
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers,
			cfg.Broker.Kafka.GroupID+"-"+nodeID, zlog)
		if err != nil {
			zlog.Fatal("failed to create kafka broker", zap.Error(err))
		}
	default:
		// Caught by config validation, checked again as a safeguard.
		zlog.Fatal("invalid broker type", zap.String("type", cfg.Broker.Type))
	}
	defer messageBroker.Close()

	db, err := model.OpenDB(&cfg.MySQL, &cfg.Pool, zlog)
	if err != nil {
		zlog.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	workers := pool.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueCapacity, zlog)

	svc := service.New(service.Deps{
		NodeID:   nodeID,
		Tasks:    workers,
		Registry: session.NewRegistry(),
		Groups:   session.NewGroupCache(),
		Presence: presenceStore,
		Broker:   messageBroker,
		Users:    model.NewMySQLUserStore(db),
		Friends:  model.NewMySQLFriendStore(db),
		GroupDB:  model.NewMySQLGroupStore(db),
		Offline:  model.NewMySQLOfflineStore(db),
		Log:      zlog,
	})

	if err := svc.RunSubscriber(ctx); err != nil {
		zlog.Fatal("failed to subscribe to node channel", zap.Error(err))
	}

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient, zlog)
		zlog.Info("handshake authentication enabled")
	}

	handler := websocket.NewHandler(svc, jwtValidator, &cfg.Auth, &cfg.WebSocket, zlog)
	srv := server.New(&cfg.Server, handler.HandleWebSocket, zlog)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, zlog)
	}

	go func() {
		if err := srv.Start(); err != nil {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	zlog.Info("shutdown signal received")

	// Stop intake first, then drain the queued work, then release the
	// cross-node and storage resources.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server shutdown incomplete", zap.Error(err))
	}
	cancel()
	workers.Stop()
	zlog.Info("chat node stopped")
}
