package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/luxwatch/orderservice/pkg/client"
	"github.com/luxwatch/orderservice/pkg/config"
	"github.com/luxwatch/orderservice/pkg/lock"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/luxwatch/orderservice/pkg/server"
	"github.com/luxwatch/orderservice/pkg/service"
	"github.com/luxwatch/orderservice/pkg/worker"
	"github.com/pkg/errors"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	// 1. 可观测性
	if cfg.EnableTracing {
		tp, err := initTracing(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}
	if !cfg.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	// 2. 存储
	store, readyDB := initStore(cfg)
	rdb := initRedis(cfg)

	var locker lock.Locker = lock.NoopLocker{}
	var limiter *server.Limiter
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb)
		limiter = server.NewLimiter(rdb, server.RateLimitConfig{
			GlobalRPS:   cfg.RateLimitGlobalRPS,
			GlobalBurst: cfg.RateLimitGlobalBurst,
			IPRPS:       cfg.RateLimitIPRPS,
			IPBurst:     cfg.RateLimitIPBurst,
		}, log)
	}

	// 3. 业务
	lifecycle := service.NewLifecycleService(store, locker, log)
	notifications := service.NewNotificationService(store, log)
	reviews := service.NewReviewService(store, store)
	email := client.NewEmailSender(client.EmailOptions{
		APIURL:   cfg.EmailAPIURL,
		APIKey:   cfg.EmailAPIKey,
		From:     cfg.EmailFrom,
		MockMode: cfg.EmailMockMode,
		Timeout:  cfg.EmailTimeout,
	}, log)

	// 4. MQ：未配置 nameserver 时只跑 outbox 的邮件/站内信
	var mqProducer worker.MQProducer
	nameServers := resolveAll(cfg.NameServers())
	if len(nameServers) > 0 {
		p, err := rocketmq.NewProducer(
			producer.WithNameServer(nameServers),
			producer.WithGroupName("order_lifecycle_producer_group"),
			producer.WithRetry(2),
		)
		if err != nil {
			log.Fatalf("Failed to create producer: %v", err)
		}
		if err := p.Start(); err != nil {
			log.Fatalf("Failed to start producer: %v", err)
		}
		defer p.Shutdown()
		mqProducer = p
	} else {
		log.Warn("ROCKETMQ_NAMESERVER not set, status events will not be published")
	}

	// 5. 后台 worker
	relay := worker.NewOutboxRelay(store, email, mqProducer, log, worker.OutboxRelayConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
	go relay.Start(ctx, wg)

	expiry := worker.NewPaymentExpiryWorker(lifecycle, cfg.PaymentExpiry, cfg.CleanupInterval, log)
	go expiry.Start(ctx, wg)

	if mqProducer != nil {
		consumerWorker, err := worker.NewEventConsumer(nameServers, cfg.ConsumerGroup, mqProducer, lifecycle, log)
		if err != nil {
			log.Fatalf("Failed to init consumer: %v", err)
		}
		go consumerWorker.Start(ctx, wg, worker.TopicPaymentEvents, worker.TopicCarrierTracking)

		dlqConsumer, err := worker.NewDLQConsumer(nameServers, cfg.ConsumerGroup, store, log)
		if err != nil {
			log.Errorf("Failed to init DLQ consumer: %v", err)
		} else if err := dlqConsumer.Start(ctx, wg); err != nil {
			log.Errorf("Failed to start DLQ consumer: %v", err)
		} else {
			log.Info("DLQ Consumer started (monitoring dead letters)")
		}
	}

	// 6. HTTP
	srv := server.New(server.Options{
		Orders:        lifecycle,
		Notifications: notifications,
		Reviews:       reviews,
		Auth:          server.NewAuthenticator(cfg.JWTSecret, cfg.AuthDisabled),
		Limiter:       limiter,
		Ready: func(ctx context.Context) error {
			if err := readyDB(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Log: log,
	})
	httpServer := server.NewHTTPServer(":"+cfg.Port, srv.Handler())
	if cfg.AuthDisabled {
		log.Warn("AUTH_DISABLED=true, trusting X-User-ID / X-User-Role headers")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("OrderService listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			log.Info("Gracefully shutting down...")
		case <-gctx.Done():
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("server stopped with error: %v", err)
	}

	// Notify workers to stop
	cancel()
	// Wait for workers to cleanup
	wg.Wait()
}

func initStore(cfg *config.Config) (repository.Store, func(context.Context) error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("STORE_DRIVER=memory, data is not persisted")
		return repository.NewMemoryRepo(), func(context.Context) error { return nil }
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQLAddr), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	log.Info("connected to mysql")

	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("failed to initialize otelgorm plugin: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return repository.NewMysqlRepo(db), sqlDB.PingContext
}

// initRedis returns nil when Redis stays unreachable; locking and rate limiting are then skipped.
func initRedis(cfg *config.Config) redis.UniversalClient {
	var rdb redis.UniversalClient

	if len(cfg.RedisSentinelAddrs) > 0 {
		// [模式 A] 哨兵模式 (生产环境/K8s)
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.RedisSentinelAddrs)

		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterName,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			DB:            0,
		})
	} else {
		// [模式 B] 单机模式 (本地开发/旧环境)
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.RedisAddr)

		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("failed to instrument redis: %v", err)
	}

	// 带重试的 Redis 连接
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb
		}

		if i == maxRetries-1 {
			log.Warnf("failed to connect to redis after %d retries: %v, order locks and rate limiter disabled", maxRetries, err)
			_ = rdb.Close()
			return nil
		}

		backoff := time.Duration(1<<i) * time.Second
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}
	return nil
}

func resolveAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		resolved := resolveToIP(a)
		log.Infof("RocketMQ NameServer: %s -> %s", a, resolved)
		out = append(out, resolved)
	}
	return out
}

// resolveToIP 将 hostname:port 格式解析为 ip:port 格式
// RocketMQ Go 客户端不支持主机名，需要先进行 DNS 解析
func resolveToIP(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return addr
	}
	// 优先使用 IPv4 地址
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return net.JoinHostPort(ip4.String(), port)
		}
	}
	return net.JoinHostPort(ips[0].String(), port)
}
