package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/internal/engine"
	"trading-engine-go/metrics"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，返回全部错误
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// Names 已注册组件名，按启动顺序
func (m *LifecycleManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.Name())
	}
	return out
}

// runComponent 把阻塞的 Run(ctx) 包装成组件；意外退出记为不健康
type runComponent struct {
	name   string
	run    func(ctx context.Context) error
	logger *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

func newRunComponent(name string, log *logger.Logger, run func(ctx context.Context) error) *runComponent {
	return &runComponent{name: name, run: run, logger: log}
}

func (r *runComponent) Name() string { return r.name }

func (r *runComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		err := r.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.LogError(err, zap.String("component", r.name), zap.String("action", "run"))
		}
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
	}()
	return nil
}

func (r *runComponent) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s did not stop in time", r.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitErr != nil && !errors.Is(r.exitErr, context.Canceled) {
		return r.exitErr
	}
	return nil
}

func (r *runComponent) Health() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return fmt.Errorf("%s not started", r.name)
	}
	select {
	case <-r.done:
		if r.exitErr != nil {
			return fmt.Errorf("%s exited: %w", r.name, r.exitErr)
		}
		return fmt.Errorf("%s exited", r.name)
	default:
		return nil
	}
}

// httpServerComponent 指标与健康检查 HTTP 服务
type httpServerComponent struct {
	server  *metrics.Server
	logger  *logger.Logger
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Name() string { return "metrics_server" }

func (h *httpServerComponent) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	go func() {
		h.logger.Info("metrics server listening", zap.String("addr", h.server.Addr()))
		if err := h.server.Serve(); err != nil {
			h.logger.LogError(err, zap.String("component", h.Name()), zap.String("action", "listen"))
		}
	}()
	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	h.logger.Info("metrics server stopped")
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return errors.New("metrics server not started")
	}
	return nil
}

// engineComponent 交易引擎；积压超过阈值视为不健康
type engineComponent struct {
	engine    *engine.TradingEngine
	queueWarn int
}

func (e *engineComponent) Name() string { return "engine" }

func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }

func (e *engineComponent) Stop() error {
	if st := e.engine.GetState(); st == engine.StateIdle || st == engine.StateStopped {
		return nil
	}
	return e.engine.Stop()
}

func (e *engineComponent) Health() error {
	st := e.engine.GetState()
	if st != engine.StateRunning && st != engine.StatePaused {
		return fmt.Errorf("engine %s", st)
	}
	if e.queueWarn > 0 {
		high, normal, low := e.engine.Loop().Depth()
		if total := high + normal + low; total > e.queueWarn {
			return fmt.Errorf("engine backlog %d exceeds %d", total, e.queueWarn)
		}
	}
	return nil
}
