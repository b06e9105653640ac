// Package server 是 mtxviewd 的 HTTP 控制面：管理各传输的连接、path 配置和事件流。
package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mtx-viewer/internal/pathwatch"
	"mtx-viewer/internal/platform/metrics"
	"mtx-viewer/pkg/api"
	"mtx-viewer/pkg/registry"
)

const defaultStartTimeout = 20 * time.Second

// PathAdmin 是修改 path 配置需要的 API 能力，*api.Client 实现它
type PathAdmin interface {
	AddPath(ctx context.Context, name string, conf api.PathConf) error
	DeletePath(ctx context.Context, name string) error
}

// Options 是 Server 的依赖，除 Logger 外都可以为 nil
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Hub          *Hub
	Paths        *pathwatch.Watcher
	Admin        PathAdmin
	StartTimeout time.Duration
}

// Server 持有所有传输的 registry
type Server struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	hub          *Hub
	paths        *pathwatch.Watcher
	admin        PathAdmin
	startTimeout time.Duration

	mu      sync.RWMutex
	viewers map[string]viewerSet
}

// New 创建 Server，传输需要随后用 Mount 挂载
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(log)
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	return &Server{
		log:          log,
		metrics:      opts.Metrics,
		hub:          hub,
		paths:        opts.Paths,
		admin:        opts.Admin,
		startTimeout: timeout,
		viewers:      make(map[string]viewerSet),
	}
}

// Mount 把 registry 挂到 /viewers/{transport}，params 为每次 Start 创建参数
func Mount[P, H any](s *Server, reg *registry.Registry[P, H], params func(name string) (P, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers[reg.Transport()] = viewers[P, H]{Registry: reg, params: params}
}

// Hub 返回事件广播器
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) viewerSet(transport string) (viewerSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.viewers[transport]
	return v, ok
}

// Transports 返回已挂载的传输名，按字母排序
func (s *Server) Transports() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.viewers))
	for t := range s.viewers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// StopAll 关闭所有传输上的所有连接
func (s *Server) StopAll() error {
	var errs []error
	for _, t := range s.Transports() {
		v, _ := s.viewerSet(t)
		if err := v.StopAll(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) updateGauges() {
	if s.metrics == nil {
		return
	}
	for _, t := range s.Transports() {
		v, _ := s.viewerSet(t)
		s.metrics.SetActiveViewers(t, v.Len())
	}
}
