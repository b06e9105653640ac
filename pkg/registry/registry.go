// Package registry 按 path 名称维护唯一的活动连接。
//
// 同一个 path 同一时间最多只有一个 handle：重复 Start 会先释放旧连接再建立新连接，
// Stop 一个不存在的 path 什么也不做。三种传输（HLS / WebRTC / RTSP）共用这一个实现，
// 差异只在于各自的 Binding。
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mtx-viewer/pkg/events"
)

// ErrSuperseded 表示 Start 还在打开时，同名 path 已被新的 Start 或 Stop 取代
var ErrSuperseded = errors.New("registry: start superseded by a later call")

// Binding 是某种传输的打开/关闭能力。
// Open 的 ctx 只约束打开过程，返回的 handle 生命周期与 ctx 无关。
// Close 必须可以重复调用。
type Binding[P, H any] interface {
	Open(ctx context.Context, name string, params P) (H, error)
	Close(h H) error
}

// Watcher 由可能自行结束的 handle 实现（例如远端关闭的 socket）。
// Done 关闭后 registry 会自动移除对应条目。Close 之后 Done 也必须关闭。
type Watcher interface {
	Done() <-chan struct{}
}

// Options 是 Registry 的可选依赖
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
}

type entry[H any] struct {
	gen    uint64
	handle H
	ready  bool
	cancel context.CancelFunc
}

// Registry 把 path 名称映射到至多一个活动 handle，可并发使用
type Registry[P, H any] struct {
	transport string
	binding   Binding[P, H]
	log       *slog.Logger
	emitter   events.Emitter

	mu      sync.Mutex
	gen     uint64
	entries map[string]*entry[H]
}

// New 为某种传输创建 Registry
func New[P, H any](transport string, b Binding[P, H], opts Options) *Registry[P, H] {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	em := opts.Emitter
	if em == nil {
		em = events.Nop{}
	}
	return &Registry[P, H]{
		transport: transport,
		binding:   b,
		log:       log.With("transport", transport),
		emitter:   em,
		entries:   make(map[string]*entry[H]),
	}
}

// Transport 返回创建时指定的传输名
func (r *Registry[P, H]) Transport() string { return r.transport }

// Start 为 name 打开新连接。已有连接（包括还在打开中的）会先被释放。
// 打开失败时不会留下条目。
func (r *Registry[P, H]) Start(ctx context.Context, name string, params P) (H, error) {
	var zero H
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	prev := r.entries[name]
	r.gen++
	e := &entry[H]{gen: r.gen, cancel: cancel}
	r.entries[name] = e
	r.mu.Unlock()

	if prev != nil {
		if err := r.release(prev); err != nil {
			r.log.Warn("release previous connection failed", "path", name, "error", err)
		}
		r.emit(events.KindSuperseded, name, nil)
	}

	h, err := r.binding.Open(openCtx, name, params)

	r.mu.Lock()
	current := r.entries[name] == e
	if current && err != nil {
		delete(r.entries, name)
	}
	if current && err == nil {
		e.handle = h
		e.ready = true
	}
	r.mu.Unlock()

	if !current {
		// 打开期间被取代：迟到的 handle 直接关闭
		if err == nil {
			_ = r.binding.Close(h)
		}
		r.log.Debug("start superseded while opening", "path", name)
		return zero, ErrSuperseded
	}
	if err != nil {
		r.log.Warn("open failed", "path", name, "error", err)
		r.emit(events.KindFailed, name, err)
		return zero, err
	}

	r.log.Info("connection started", "path", name)
	r.emit(events.KindStarted, name, nil)
	if w, ok := any(h).(Watcher); ok {
		go r.watch(name, e, w)
	}
	return h, nil
}

// Stop 关闭并移除 name 对应的连接；不存在时是 no-op
func (r *Registry[P, H]) Stop(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	err := r.release(e)
	r.log.Info("connection stopped", "path", name)
	r.emit(events.KindStopped, name, err)
	return err
}

// StopAll 关闭所有连接，返回遇到的错误
func (r *Registry[P, H]) StopAll() error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get 返回 name 对应的已就绪 handle
func (r *Registry[P, H]) Get(name string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || !e.ready {
		var zero H
		return zero, false
	}
	return e.handle, true
}

// Names 返回所有已就绪连接的 path，按字母序
func (r *Registry[P, H]) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.ready {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Len 返回已就绪连接的数量
func (r *Registry[P, H]) Len() int {
	return len(r.Names())
}

// release 释放一个已经从 map 中摘下的条目
func (r *Registry[P, H]) release(e *entry[H]) error {
	if !e.ready {
		// 还在打开中：取消它，Start 返回时会关闭迟到的 handle
		e.cancel()
		return nil
	}
	e.cancel()
	return r.binding.Close(e.handle)
}

// watch 在 handle 自行结束时移除条目
func (r *Registry[P, H]) watch(name string, e *entry[H], w Watcher) {
	<-w.Done()

	r.mu.Lock()
	owned := r.entries[name] == e
	if owned {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !owned {
		return
	}
	_ = r.binding.Close(e.handle)
	r.log.Info("connection closed by transport", "path", name)
	r.emit(events.KindClosed, name, nil)
}

func (r *Registry[P, H]) emit(kind events.Kind, name string, err error) {
	ev := events.Event{
		Kind:      kind,
		Transport: r.transport,
		Path:      name,
		Time:      time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.emitter.Emit(ev)
}
