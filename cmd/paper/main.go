package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-engine-go/internal/container"
)

// 纸面交易：实时 K 线驱动策略，订单由本地撮合网关按最新价成交。
// 暴露 /metrics 与 /healthz，配置文件修改后热更新；在 systemd 下报告就绪并喂看门狗。
func main() {
	cfgPath := flag.String("config", "configs/paper.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath, container.ModePaper)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建失败: %v", err)
	}
	logger := c.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		logger.LogError(err, zap.String("action", "start"))
		_ = c.Stop()
		os.Exit(1)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready failed", zap.Error(err))
	} else if ok {
		logger.Info("systemd notified ready")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchdog(gctx, c) })
	if err := g.Wait(); err != nil {
		logger.LogError(err, zap.String("action", "run"))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		os.Exit(1)
	}
}

// watchdog 健康时按 WATCHDOG_USEC 的一半周期喂狗；未启用看门狗时定期记录健康状态。
func watchdog(ctx context.Context, c *container.Container) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	enabled := interval > 0
	if enabled {
		interval /= 2
	} else {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				_ = c.Alerts().SendCritical("health check failed", map[string]any{"error": err.Error()})
				continue
			}
			if enabled {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
