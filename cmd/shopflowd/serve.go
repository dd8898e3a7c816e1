package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shopflow/internal/api"
	"shopflow/internal/config"
	"shopflow/internal/engine"
	"shopflow/internal/handlers"
	"shopflow/internal/notify"
	"shopflow/internal/web"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket feed and start-queue dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonMode {
				cntxt := &daemon.Context{
					PidFileName: "shopflowd.pid",
					PidFilePerm: 0644,
				}
				child, err := cntxt.Reborn()
				if err != nil {
					return err
				}
				if child != nil {
					return nil
				}
				defer cntxt.Release()
			}
			return serve(cmd.Context(), logger)
		},
	}
	cmd.Flags().BoolVar(&daemonMode, "daemon", false, "run in background")
	return cmd
}

func serve(parent context.Context, logger *slog.Logger) error {
	// 1. 加载配置
	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	// 2. 初始化核心组件并从 WAL 恢复
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	hub := web.NewHub(logger)
	tracker := web.NewStateTracker(hub)
	handlers.RegisterEventHandlers(a.bus, tracker, logger)
	if cfg.WebhookURL != "" {
		notify.NewWebhook(cfg.WebhookURL, logger).Subscribe(a.bus)
	}
	for _, s := range a.engine.AllStages() {
		tracker.UpdateStage(s)
	}

	scheduler := engine.NewScheduler(a.engine, a.bus, cfg.MaxWorkers, cfg.AutoStart, logger)
	if err := a.seedCapacity(cfg.Capacity, logger); err != nil {
		return err
	}

	// 3. 模板热更新
	templates := &templateSet{}
	templates.cfg.Store(cfg)
	loader.Watch(func(next *config.Config) {
		templates.cfg.Store(next)
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Ledger:    a.ledger,
			Engine:    a.engine,
			Scheduler: scheduler,
			Reporter:  a.reporter,
			Templates: templates,
			Tracker:   tracker,
			Hub:       hub,
		}, logger).Router(),
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("=== 车间产能与工序调度服务启动 ===", "addr", cfg.ListenAddr, "orders", len(a.engine.Orders()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// 4. 优雅停机
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("接收到停机信号，正在优雅关闭...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	scheduler.WaitForCompletion()
	logger.Info("服务已安全退出")
	return err
}
