package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/config"
	clog "github.com/Plannorium/curenium-sub004/internal/log"
	"github.com/Plannorium/curenium-sub004/internal/notify"
	"github.com/Plannorium/curenium-sub004/internal/room"
	"github.com/Plannorium/curenium-sub004/internal/server"
	"github.com/Plannorium/curenium-sub004/internal/store"
)

func main() {
	// main 函数负责加载配置、初始化日志、打开消息日志存储并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logs, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open message log")
	}
	defer logs.Close()

	reg := room.NewRegistry(logs, cfg.JWTSecret)
	defer reg.Stop()
	if cfg.RoomSweepInterval > 0 {
		reg.StartSweeper(cfg.RoomSweepInterval)
	}
	// 通知房间常驻，先于首个连接创建
	reg.GetPinned(notify.RoomName)

	r := server.SetupRouter(cfg, logs, reg)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
