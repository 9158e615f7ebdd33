package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"trading-engine-go/eventbus"
)

// Watcher 监听配置文件，变更经校验后推送到 ValueChannel；校验失败时保留旧值。
// 监听的是所在目录，编辑器以重命名方式保存也能收到。
type Watcher struct {
	path     string
	out      *eventbus.ValueChannel[AppConfig]
	logger   *zap.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher
}

// NewWatcher 创建监听器，调用 Run 开始工作。
func NewWatcher(path string, out *eventbus.ValueChannel[AppConfig], logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		out:      out,
		logger:   logger.With(zap.String("component", "config_watcher")),
		debounce: 200 * time.Millisecond,
		fs:       fw,
	}, nil
}

// SetDebounce 合并窗口内的多次写入只重载一次。
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run 阻塞直到 ctx 取消或底层监听关闭。
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	var fire <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.out.Push(cfg)
}
