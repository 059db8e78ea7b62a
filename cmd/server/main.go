package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dadaWilliam/chat-app/internal/archive"
	"github.com/dadaWilliam/chat-app/internal/auth"
	"github.com/dadaWilliam/chat-app/internal/bus"
	"github.com/dadaWilliam/chat-app/internal/cache"
	"github.com/dadaWilliam/chat-app/internal/config"
	"github.com/dadaWilliam/chat-app/internal/db"
	"github.com/dadaWilliam/chat-app/internal/history"
	clog "github.com/dadaWilliam/chat-app/internal/log"
	"github.com/dadaWilliam/chat-app/internal/server"
	"github.com/dadaWilliam/chat-app/internal/service"
	"github.com/dadaWilliam/chat-app/internal/store"
	"github.com/dadaWilliam/chat-app/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// wsBus 把具体的总线订阅句柄适配为 Room Hub 需要的最小接口。
type wsBus struct {
	*bus.Bus
}

func (w wsBus) Subscribe(roomID string, handler func(value []byte)) (io.Closer, error) {
	return w.Bus.Subscribe(roomID, handler)
}

func main() {
	// main 函数负责加载配置、初始化日志、连接各依赖并启动服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var rdb *redis.Client
	if err := bus.StartupBackoff.Do(ctx, func() error {
		var cerr error
		rdb, cerr = cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return cerr
	}); err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	b, err := bus.Connect(ctx, cfg.KafkaBrokers, cfg.TopicPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("kafka connect")
	}
	defer b.Close()

	st := store.New(gdb)
	hot := cache.New(rdb, cfg.CacheSize)
	composer := history.New(hot, st)

	authority, err := auth.NewAuthority(cfg, auth.NewRedisRevocationStore(rdb, "revoked"))
	if err != nil {
		log.Fatal().Err(err).Msg("init token authority")
	}

	hub := ws.NewHub(wsBus{b})
	roomSvc := service.NewRoomService(st, hub, func(ctx context.Context, roomID string) error {
		return b.EnsureTopic(ctx, roomID)
	})
	gateway := ws.NewGateway(authority, hub, wsBus{b}, hot, composer, roomSvc, cfg.HistoryLimit)

	h := server.NewHandler(authority, roomSvc, composer)
	r := server.SetupRouter(cfg, h, authority, gateway)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		// 归档消费者:稳态故障按退避重建,健康运行后重试预算会重置,
		// 只有连续的快速失败才会放弃整个进程。
		return bus.StartupBackoff.Supervise(gctx, func() error {
			ac, err := archive.NewConsumer(cfg.KafkaBrokers, cfg.TopicPrefix, st)
			if err != nil {
				return err
			}
			defer ac.Close()
			return ac.Run(gctx)
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("server run")
	}
	log.Info().Msg("server stopped")
}
