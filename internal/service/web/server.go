// Package web 提供可选的管理 API 和流日志 WebSocket。
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"liuproxy_tunnel/internal/shared/logger"
)

// basicAuthMiddleware 在配置了用户名和密码时强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type Server struct {
	listenAddr string
	handler    http.Handler
	srv        *http.Server
	listener   net.Listener
}

func NewServer(listenAddr, user, password string, controller Controller, hub *Hub) *Server {
	return &Server{
		listenAddr: listenAddr,
		handler:    NewMux(user, password, controller, hub),
	}
}

// NewMux 组装全部路由，所有接口都在认证之后
func NewMux(user, password string, controller Controller, hub *Hub) http.Handler {
	handler := NewHandler(controller)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/outbounds", handler.HandleOutbounds)
	mux.HandleFunc("/api/nat", handler.HandleNAT)
	mux.HandleFunc("/api/recent_targets", handler.HandleGetRecentTargets)
	mux.HandleFunc("/api/reload", handler.HandleReload)
	mux.HandleFunc("/api/shutdown", handler.HandleShutdown)
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}
	return basicAuthMiddleware(mux, user, password)
}

func (s *Server) InitializeListener() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("web API failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", listener.Addr())
	return listener.Addr(), nil
}

// Serve 阻塞直到 Close 被调用
func (s *Server) Serve(ctx context.Context) error {
	if s.srv == nil {
		return errors.New("web: Serve called before InitializeListener")
	}
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info().Msg("Web API stopped.")
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
