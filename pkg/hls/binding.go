// Package hls 实现按 path 播放 HLS 流的 Binding 以及一个简单的自适应播放器。
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// DefaultBaseURL 是媒体服务器 HLS 服务的默认地址
const DefaultBaseURL = "http://localhost:8888"

// DefaultMaxRecoveries 是连续恢复的次数上限，超过后销毁播放器
const DefaultMaxRecoveries = 5

// ErrUnsupported 表示播放目标既不支持自适应播放也不能原生播放 HLS
var ErrUnsupported = errors.New("hls: playback is not supported by this media")

// Params 是 Start 的参数
type Params struct {
	Media Media
}

// Handle 是一个活动的 HLS 播放
type Handle struct {
	name   string
	url    string
	player *Player
	media  Media

	once sync.Once
	done chan struct{}
}

// Done 在播放被销毁后关闭
func (h *Handle) Done() <-chan struct{} { return h.done }

// URL 返回 manifest 地址
func (h *Handle) URL() string { return h.url }

// Native 表示是否走的原生播放回退路径
func (h *Handle) Native() bool { return h.player == nil }

func (h *Handle) destroy() {
	h.once.Do(func() {
		if h.player != nil {
			h.player.Destroy()
		}
		if c, ok := h.media.(io.Closer); ok {
			_ = c.Close()
		}
		close(h.done)
	})
}

// Binding 为 registry 打开和关闭 HLS 播放
type Binding struct {
	BaseURL       string
	Player        Config
	MaxRecoveries int
	Log           *slog.Logger
}

// NewBinding 使用默认参数创建 Binding
func NewBinding(baseURL string, log *slog.Logger) *Binding {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Binding{BaseURL: baseURL, MaxRecoveries: DefaultMaxRecoveries, Log: log}
}

// ManifestURL 返回 path 对应的 manifest 地址
func (b *Binding) ManifestURL(name string) string {
	return strings.TrimRight(b.BaseURL, "/") + "/" + escapePath(name) + "/index.m3u8"
}

// Open 实现 registry.Binding。只有 manifest 解析完成并开始播放后才返回成功。
func (b *Binding) Open(ctx context.Context, name string, params Params) (*Handle, error) {
	if name == "" {
		return nil, errors.New("hls: path name 不能为空")
	}
	u := b.ManifestURL(name)
	switch m := params.Media.(type) {
	case Sink:
		return b.openAdaptive(ctx, name, u, m)
	case NativeSink:
		if m.CanPlayType(MIMEType) {
			return b.openNative(ctx, name, u, m)
		}
	}
	return nil, ErrUnsupported
}

// Close 实现 registry.Binding
func (b *Binding) Close(h *Handle) error {
	if h != nil {
		h.destroy()
	}
	return nil
}

func (b *Binding) openAdaptive(ctx context.Context, name, u string, sink Sink) (*Handle, error) {
	p := NewPlayer(b.Player)
	h := &Handle{name: name, url: u, player: p, media: sink, done: make(chan struct{})}
	if err := p.Load(u, sink); err != nil {
		h.destroy()
		return nil, err
	}

	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				h.destroy()
				return nil, errors.New("hls: player stopped before manifest was parsed")
			}
			switch ev.Type {
			case EventManifestParsed:
				if err := sink.Play(); err != nil {
					h.destroy()
					return nil, fmt.Errorf("hls: start playback: %w", err)
				}
				go b.dispatch(h)
				return h, nil
			case EventError:
				h.destroy()
				return nil, ev.Err
			}
		case <-ctx.Done():
			h.destroy()
			return nil, ctx.Err()
		}
	}
}

func (b *Binding) openNative(ctx context.Context, name, u string, m NativeSink) (*Handle, error) {
	h := &Handle{name: name, url: u, media: m, done: make(chan struct{})}
	if err := m.SetSource(u); err != nil {
		return nil, fmt.Errorf("hls: set native source: %w", err)
	}
	select {
	case <-m.LoadedMetadata():
	case <-ctx.Done():
		h.destroy()
		return nil, ctx.Err()
	}
	if err := m.Play(); err != nil {
		h.destroy()
		return nil, fmt.Errorf("hls: start playback: %w", err)
	}
	b.Log.Info("native hls playback started", "path", name)
	return h, nil
}

// dispatch 按顺序处理播放开始后的事件：网络错误重新加载，媒体错误就地恢复，
// 其他错误或连续失败过多时销毁播放器
func (b *Binding) dispatch(h *Handle) {
	defer h.destroy()
	failures := 0
	for ev := range h.player.Events() {
		switch ev.Type {
		case EventFragLoaded:
			failures = 0
		case EventEnded:
			b.Log.Info("hls stream ended", "path", h.name)
			return
		case EventError:
			failures++
			if b.MaxRecoveries > 0 && failures > b.MaxRecoveries {
				b.Log.Error("hls recovery limit reached", "path", h.name, "error", ev.Err)
				return
			}
			switch ev.Err.Type {
			case NetworkError:
				b.Log.Warn("hls network error, reloading", "path", h.name, "error", ev.Err)
				h.player.StartLoad()
			case MediaError:
				b.Log.Warn("hls media error, recovering", "path", h.name, "error", ev.Err)
				h.player.RecoverMediaError()
			default:
				b.Log.Error("hls fatal error", "path", h.name, "error", ev.Err)
				return
			}
		}
	}
}

// escapePath 逐段转义 path 名称，保留其中的 "/"
func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
