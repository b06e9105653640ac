package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
)

// MIMEType 是 HLS manifest 的 MIME 类型
const MIMEType = "application/vnd.apple.mpegurl"

// liveSyncCount 直播流从距离末尾几个分片的位置开始播放（与 hls.js 默认一致）
const liveSyncCount = 3

// ErrorType 区分播放错误的类别，决定恢复方式
type ErrorType int

const (
	NetworkError ErrorType = iota + 1 // manifest / 分片下载失败
	MediaError                        // Sink 拒绝了分片
	OtherError                        // manifest 无法解析等
)

func (t ErrorType) String() string {
	switch t {
	case NetworkError:
		return "networkError"
	case MediaError:
		return "mediaError"
	default:
		return "otherError"
	}
}

// PlaybackError 是播放过程中的致命错误。出现后加载循环暂停，
// 直到调用 StartLoad / RecoverMediaError 或 Destroy。
type PlaybackError struct {
	Type ErrorType
	Err  error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("hls: %s: %v", e.Type, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// EventType 是 Player 事件的类型
type EventType int

const (
	EventManifestParsed EventType = iota + 1
	EventFragLoaded
	EventError
	EventEnded
)

// Event 由 Player 按发生顺序发出
type Event struct {
	Type     EventType
	Sequence int64          // EventFragLoaded 时有效
	Err      *PlaybackError // EventError 时有效
}

// Segment 是交给 Sink 的一个媒体分片
type Segment struct {
	Sequence int64
	URI      string
	Duration float64
	Data     []byte
}

// Config 控制 Player 行为
type Config struct {
	HTTPClient *http.Client
	LowLatency bool // 以半个 target duration 的间隔刷新直播 manifest
}

// Player 下载 HLS manifest 和分片并按顺序交给 Sink
type Player struct {
	client     *http.Client
	lowLatency bool

	events chan Event
	resume chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sink     Sink
	source   string
	mediaURL string
	loaded   bool
}

// NewPlayer 创建一个尚未加载的 Player
func NewPlayer(cfg Config) *Player {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		client:     client,
		lowLatency: cfg.LowLatency,
		events:     make(chan Event, 16),
		resume:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Events 返回事件通道，Player 停止后关闭
func (p *Player) Events() <-chan Event { return p.events }

// Load 开始从 source 加载并把分片写入 sink
func (p *Player) Load(source string, sink Sink) error {
	if sink == nil {
		return errors.New("hls: sink 不能为空")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return errors.New("hls: source already loaded")
	}
	if p.ctx.Err() != nil {
		return errors.New("hls: player destroyed")
	}
	p.loaded = true
	p.source = source
	p.sink = sink

	p.wg.Add(1)
	go p.run()
	return nil
}

// StartLoad 在网络错误后从当前 source 继续加载
func (p *Player) StartLoad() {
	select {
	case p.resume <- struct{}{}:
	default:
	}
}

// RecoverMediaError 重置 Sink 并跳过出错的分片继续加载
func (p *Player) RecoverMediaError() {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if r, ok := sink.(Resetter); ok {
		r.Reset()
	}
	p.StartLoad()
}

// Destroy 停止加载并等待内部 goroutine 退出，可重复调用
func (p *Player) Destroy() {
	p.cancel()
	p.wg.Wait()
}

func (p *Player) run() {
	defer p.wg.Done()
	defer close(p.events)

	next := int64(-1) // 下一个要交付的 media sequence
	parsed := false
	for {
		pl, err := p.loadMediaPlaylist()
		if err == nil {
			if !parsed {
				parsed = true
				if !p.emit(Event{Type: EventManifestParsed}) {
					return
				}
			}
			if next < 0 {
				next = startSequence(pl)
			}
			next, err = p.deliver(pl, next)
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			var perr *PlaybackError
			if !errors.As(err, &perr) {
				perr = &PlaybackError{Type: OtherError, Err: err}
			}
			if !p.emit(Event{Type: EventError, Err: perr}) || !p.waitResume() {
				return
			}
			continue
		}
		if pl.Closed {
			p.emit(Event{Type: EventEnded})
			return
		}
		if !p.sleep(p.pollInterval(pl)) {
			return
		}
	}
}

// deliver 把 pl 中序号 >= next 的分片依次写入 sink，返回新的 next
func (p *Player) deliver(pl *m3u8.MediaPlaylist, next int64) (int64, error) {
	base, err := url.Parse(p.mediaURL)
	if err != nil {
		return next, &PlaybackError{Type: OtherError, Err: err}
	}
	seq := int64(pl.SeqNo)
	for _, seg := range pl.Segments {
		if seg == nil {
			continue
		}
		cur := seq
		seq++
		if cur < next {
			continue
		}
		ref, err := base.Parse(seg.URI)
		if err != nil {
			return next, &PlaybackError{Type: OtherError, Err: err}
		}
		data, err := p.fetch(ref.String())
		if err != nil {
			return next, &PlaybackError{Type: NetworkError, Err: err}
		}
		err = p.sink.WriteSegment(p.ctx, Segment{
			Sequence: cur,
			URI:      ref.String(),
			Duration: seg.Duration,
			Data:     data,
		})
		if err != nil {
			// 恢复后跳过这个分片
			return cur + 1, &PlaybackError{Type: MediaError, Err: err}
		}
		next = cur + 1
		if !p.emit(Event{Type: EventFragLoaded, Sequence: cur}) {
			return next, p.ctx.Err()
		}
	}
	return next, nil
}

// loadMediaPlaylist 下载 media playlist；master playlist 会解析到带宽最高的 variant
func (p *Player) loadMediaPlaylist() (*m3u8.MediaPlaylist, error) {
	target := p.mediaURL
	if target == "" {
		target = p.source
	}
	for depth := 0; depth < 2; depth++ {
		data, err := p.fetch(target)
		if err != nil {
			return nil, &PlaybackError{Type: NetworkError, Err: err}
		}
		pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
		if err != nil {
			return nil, &PlaybackError{Type: OtherError, Err: fmt.Errorf("decode manifest: %w", err)}
		}
		switch listType {
		case m3u8.MEDIA:
			p.mediaURL = target
			return pl.(*m3u8.MediaPlaylist), nil
		case m3u8.MASTER:
			variant := bestVariant(pl.(*m3u8.MasterPlaylist))
			if variant == nil {
				return nil, &PlaybackError{Type: OtherError, Err: errors.New("master playlist has no variants")}
			}
			base, err := url.Parse(target)
			if err != nil {
				return nil, &PlaybackError{Type: OtherError, Err: err}
			}
			ref, err := base.Parse(variant.URI)
			if err != nil {
				return nil, &PlaybackError{Type: OtherError, Err: err}
			}
			target = ref.String()
		}
	}
	return nil, &PlaybackError{Type: OtherError, Err: errors.New("nested master playlists")}
}

func (p *Player) fetch(target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Player) emit(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Player) waitResume() bool {
	select {
	case <-p.resume:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Player) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Player) pollInterval(pl *m3u8.MediaPlaylist) time.Duration {
	d := time.Duration(pl.TargetDuration * float64(time.Second))
	if d <= 0 {
		d = time.Second
	}
	if p.lowLatency {
		d /= 2
	}
	return d
}

// startSequence 点播从头开始，直播从末尾倒数 liveSyncCount 个分片开始
func startSequence(pl *m3u8.MediaPlaylist) int64 {
	first := int64(pl.SeqNo)
	if pl.Closed {
		return first
	}
	count := int64(0)
	for _, seg := range pl.Segments {
		if seg != nil {
			count++
		}
	}
	if count > liveSyncCount {
		return first + count - liveSyncCount
	}
	return first
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}
