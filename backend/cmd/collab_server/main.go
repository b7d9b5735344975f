package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"gomflowCollab/backend/internal/cache"
	"gomflowCollab/backend/internal/collab"
	"gomflowCollab/backend/internal/httpapi/handlers"
	"gomflowCollab/backend/internal/httpapi/middleware"
	"gomflowCollab/backend/internal/store"
	"gomflowCollab/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Access struct {
		// 权限服务的 base URL，留空则跳过能力检查（本地开发）
		Path string `mapstructure:"path"`
	} `mapstructure:"Access"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	recordStore := store.NewRecordStore(db)
	operationStore := store.NewOperationStore(db)
	lockManager := cache.NewRedisLockManager(rdb)
	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)

	kafkaSem := collab.NewSemaphoreControl(100)
	wsSem := collab.NewSemaphoreControl(100)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	svc := collab.NewOrderCollabService(recordStore, operationStore, kafkaDispatcher)
	manager := ws.NewManager(hub, svc, wsSem)
	h := handlers.NewHandlers(svc, lockManager)

	var checker middleware.AccessChecker
	if cfg.Access.Path != "" {
		checker = middleware.NewHTTPAccessChecker(cfg.Access.Path)
	}

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Workspace-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	// 路由：鉴权 + 工作区能力检查
	grp := r.Group("/collab")
	grp.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	grp.Use(middleware.RequireCapability(checker, "order:edit"))

	grp.POST("/records", h.CreateRecord)
	grp.GET("/records/:recordID", h.GetRecord)
	grp.POST("/records/:recordID/operations", h.CreateOperation)
	grp.POST("/operations/:operationID/commit", h.CommitOperation)
	grp.GET("/records/:recordID/history", h.History)
	grp.GET("/records/:recordID/lock", h.GetLock)
	grp.POST("/records/:recordID/lock", h.AcquireLock)
	grp.DELETE("/records/:recordID/lock", h.ReleaseLock)
	grp.GET("/ws", manager.WebSocketConnect)

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
