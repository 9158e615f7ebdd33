// Package metrics 暴露 /metrics 与 /healthz 的 HTTP 服务
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Server 指标 HTTP 服务，handler 通常来自 monitor.Monitor.Handler
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer 绑定 addr 并注册路由；健康检查返回 health 的结果，nil 表示始终健康
func NewServer(addr string, handler http.Handler, health func() error) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr 实际监听地址（addr 端口为 0 时有用）
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve 阻塞直到 Shutdown
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
