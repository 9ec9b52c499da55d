package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/auth"
	"github.com/boodymasoud7/netaq-crm-sub002/server/common/infra/cache"
	"github.com/boodymasoud7/netaq-crm-sub002/server/common/infra/mq"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/api"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/service"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

type Server struct {
	HTTPServer *http.Server
	Engine     *service.Engine
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *service.EventPublisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		redisClient *redis.Client
		kv          store.KV
	)
	if cfg.RedisAddr != "" {
		redisClient = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		kv = store.NewRedisKV(redisClient)
	} else {
		kv = store.NewMemoryKV()
	}

	var (
		mqConn    *amqp.Connection
		publisher *service.EventPublisher
	)
	if cfg.UseMQ {
		var err error
		mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		publisher, err = service.NewEventPublisher(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize event publisher: %w", err)
		}
	}

	authSvc := auth.NewService(cfg.JWTSecret, 1440)
	crmClient := service.NewCRMClient(cfg.CRMEndpoints...)

	engine, err := service.NewEngine(service.EngineOptions{
		StreamURL:        cfg.StreamURL,
		Credential:       cfg.SessionToken,
		PrivilegedRoles:  cfg.PrivilegedRoles,
		ReconnectBackoff: cfg.ReconnectBackoff,
		SettleDelay:      cfg.SettleDelay,
		ListThrottle:     cfg.ListThrottle,
		CountThrottle:    cfg.CountThrottle,
		PollInterval:     cfg.PollInterval,
	}, crmClient, authSvc, kv, publisher)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	api.NewHandler(engine, authSvc, cfg.PrivilegedRoles).RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Engine:     engine,
		Redis:      redisClient,
		MQConn:     mqConn,
		Publisher:  publisher,
	}, nil
}

// Start brings the engine up. The HTTP server is run by the caller.
func (s *Server) Start(ctx context.Context) error {
	return s.Engine.Start(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Engine.Stop()
	s.Publisher.Close()
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
