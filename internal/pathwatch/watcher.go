// Package pathwatch 定期拉取媒体服务器的 path 列表并缓存最近一次结果。
package pathwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mtx-viewer/pkg/api"
)

// DefaultInterval 是默认的轮询间隔
const DefaultInterval = 5 * time.Second

const noSource = "N/A"

// maxPages 限制单次刷新的分页数，防止服务器返回异常的 pageCount
const maxPages = 100

// Lister 是 Watcher 需要的 API 能力
type Lister interface {
	ListPaths(ctx context.Context, p api.ListParams) (*api.PathList, error)
}

// Reporter 接收轮询结果，可为 nil
type Reporter interface {
	SetReadyPaths(n int)
	IncAPIErrors()
}

// PathStatus 是一个 path 的概览
type PathStatus struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Source string `json:"source"`
}

// Snapshot 是最近一次轮询的结果。Error 非空时 Paths 保留上一次成功的内容。
type Snapshot struct {
	Paths   []PathStatus `json:"paths"`
	Updated time.Time    `json:"updated"`
	Error   string       `json:"error,omitempty"`
}

// Watcher 轮询 path 列表
type Watcher struct {
	lister   Lister
	interval time.Duration
	reporter Reporter
	log      *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New 创建 Watcher，interval <= 0 时使用 DefaultInterval
func New(l Lister, interval time.Duration, reporter Reporter, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		lister:   l,
		interval: interval,
		reporter: reporter,
		log:      log,
	}
}

// Run 立即刷新一次，之后按间隔刷新，直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	_ = w.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.Refresh(ctx)
		}
	}
}

// Refresh 拉取全部分页并替换缓存
func (w *Watcher) Refresh(ctx context.Context) error {
	var items []api.Path
	for page := 0; page < maxPages; page++ {
		list, err := w.lister.ListPaths(ctx, api.ListParams{Page: page})
		if err != nil {
			w.fail(err)
			return err
		}
		items = append(items, list.Items...)
		if page+1 >= list.PageCount {
			break
		}
	}

	paths := make([]PathStatus, 0, len(items))
	ready := 0
	for _, p := range items {
		st := PathStatus{Name: p.Name, Ready: p.Ready, Source: sourceOf(p)}
		if st.Ready {
			ready++
		}
		paths = append(paths, st)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Name < paths[j].Name })

	w.mu.Lock()
	w.snap = Snapshot{Paths: paths, Updated: time.Now()}
	w.mu.Unlock()

	if w.reporter != nil {
		w.reporter.SetReadyPaths(ready)
	}
	w.log.Debug("paths refreshed", "count", len(paths), "ready", ready)
	return nil
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.snap.Error = err.Error()
	w.mu.Unlock()
	if w.reporter != nil {
		w.reporter.IncAPIErrors()
	}
	w.log.Warn("path refresh failed", "error", err)
}

// Snapshot 返回缓存的副本
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.snap
	s.Paths = append([]PathStatus(nil), w.snap.Paths...)
	return s
}

// sourceOf 优先取配置里的 source，其次是当前发布源的类型
func sourceOf(p api.Path) string {
	if s, ok := p.Conf["source"].(string); ok && s != "" {
		return s
	}
	if p.Source != nil && p.Source.Type != "" {
		return p.Source.Type
	}
	return noSource
}
