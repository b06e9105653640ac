package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Start 在当前进程内启动 HTTP 服务。
// addr 形如 ":8080" 或 "127.0.0.1:0"（端口为 0 时由系统自动分配）。
// 返回实际监听地址、用于优雅关闭的 stop 函数，以及错误信息。stop 不会关闭已有的连接，需要另外调用 StopAll。
func (s *Server) Start(addr string) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	actualAddr := ln.Addr().String()
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("http server listening", "addr", actualAddr)

	stop := func() {
		// websocket 连接被 hijack 之后 Shutdown 不会等待它们
		s.hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Error("http server shutdown error", "error", err)
		}
	}

	return actualAddr, stop, nil
}
