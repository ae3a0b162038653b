package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"follow-export/server/internal/api"
	"follow-export/server/internal/config"
	"follow-export/server/internal/export"
	"follow-export/server/internal/ingest"
	"follow-export/server/internal/logbook"
	"follow-export/server/internal/metrics"
	"follow-export/server/internal/orchestrator"
	"follow-export/server/internal/session"
	"follow-export/server/internal/userstore"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	// 参数用 flag；存储路径与代理上游可用环境变量 FOLLOW_EXPORT_DB / FOLLOW_EXPORT_UPSTREAM 覆盖。
	cfgPath := flag.String("config", "", "config file path (defaults only when empty)")
	addr := flag.String("addr", "", "http listen address, overrides server.host/port")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zap.NewExample().Fatal("load config failed", zap.Error(err))
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("init logger failed", zap.Error(err))
	}
	defer log.Sync()

	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}
	log.Info("follow-export starting", zap.String("version", Version), zap.String("addr", listen), zap.String("store", cfg.Store.Driver))

	metrics.Register()

	book := logbook.New(log)
	buffer := ingest.NewBuffer(book, ingest.Options{
		SoftLimit:     cfg.Ingest.SoftLimit,
		CommitTimeout: cfg.Ingest.CommitTimeout,
	})
	// 存储异步打开：在就绪前拦截到的数据先进缓冲。
	buffer.OpenAsync(opener(cfg.Store))

	orch, err := orchestrator.New(session.NewInMemoryStore(), buffer, book, orchestrator.Options{
		FilenamePrefix: cfg.Export.FilenamePrefix,
		Export: export.Options{
			ProfileBaseURL: cfg.Export.ProfileBaseURL,
			Concurrency:    cfg.Export.LookupConcurrency,
		},
		Routes: cfg.Routes(),
	}, time.Now)
	if err != nil {
		log.Fatal("init orchestrator failed", zap.Error(err))
	}

	server, err := api.NewServer(cfg, orch, buffer, book)
	if err != nil {
		log.Fatal("init server failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:        listen,
		Handler:     server.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout 不作用于已升级的 WebSocket 连接
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		book.Info("Script ready.")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	// 最后一次提交缓冲区并关闭存储
	if err := buffer.Close(); err != nil {
		log.Error("flush buffer failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

func opener(cfg config.StoreConfig) userstore.Opener {
	var open userstore.Opener
	if cfg.Driver == "memory" {
		open = func(context.Context) (userstore.Store, error) {
			return userstore.NewInMemoryStore(), nil
		}
	} else {
		open = userstore.SQLiteOpener(cfg.Path)
	}
	if cfg.OpenDelay <= 0 {
		return open
	}
	return func(ctx context.Context) (userstore.Store, error) {
		select {
		case <-time.After(cfg.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return open(ctx)
	}
}
