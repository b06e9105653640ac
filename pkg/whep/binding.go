// Package whep 通过 HTTP offer/answer 交换观看媒体服务器上的 WebRTC 流。
package whep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultBaseURL 是媒体服务器 WebRTC 服务的默认地址
const DefaultBaseURL = "http://localhost:8889"

// DefaultSTUNServer 在没有配置 ICE server 时使用
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// NegotiationError 表示 offer/answer 交换时服务器返回了非 2xx
type NegotiationError struct {
	Step   string // "offer" 或 "answer"
	Status int
	Body   string
}

func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("whep: %s request failed with status %d", e.Step, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// TrackSink 接收第一个到达的视频 track
type TrackSink interface {
	AttachTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Params 是 Start 的参数
type Params struct {
	Sink TrackSink
}

// Session 是一个已协商完成的 WebRTC 观看连接
type Session struct {
	name     string
	pc       *webrtc.PeerConnection
	sink     TrackSink
	attached atomic.Bool

	once sync.Once
}

// PeerConnection 返回底层连接
func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

// TrackAttached 表示是否已经有视频 track 交给 sink
func (s *Session) TrackAttached() bool { return s.attached.Load() }

func (s *Session) close() error {
	var err error
	s.once.Do(func() {
		err = s.pc.Close()
		if c, ok := s.sink.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return err
}

// Binding 为 registry 打开和关闭 WebRTC 观看连接
type Binding struct {
	BaseURL    string
	ICEServers []webrtc.ICEServer
	HTTPClient *http.Client
	Log        *slog.Logger

	// NewPeerConnection 默认是 webrtc.NewPeerConnection，测试时可替换
	NewPeerConnection func(webrtc.Configuration) (*webrtc.PeerConnection, error)
}

// NewBinding 创建使用默认 STUN server 的 Binding
func NewBinding(baseURL string, log *slog.Logger) *Binding {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Binding{
		BaseURL:    baseURL,
		ICEServers: []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}},
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Log:        log,
	}
}

// EndpointURL 返回 path 对应的协商地址
func (b *Binding) EndpointURL(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(b.BaseURL, "/") + "/" + strings.Join(parts, "/") + "/whep"
}

// Open 实现 registry.Binding。任何一步失败都会关闭 peer connection。
func (b *Binding) Open(ctx context.Context, name string, params Params) (*Session, error) {
	if name == "" {
		return nil, errors.New("whep: path name 不能为空")
	}
	pc, err := b.newPeerConnection()
	if err != nil {
		return nil, err
	}
	s := &Session{name: name, pc: pc, sink: params.Sink}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		// 只接第一路视频
		if !s.attached.CompareAndSwap(false, true) {
			return
		}
		b.Log.Info("video track received", "path", name, "codec", track.Codec().MimeType)
		if s.sink != nil {
			s.sink.AttachTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.Log.Debug("peer connection state changed", "path", name, "state", state.String())
	})

	if err := b.negotiate(ctx, name, pc); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// Close 实现 registry.Binding
func (b *Binding) Close(s *Session) error {
	if s == nil {
		return nil
	}
	return s.close()
}

func (b *Binding) negotiate(ctx context.Context, name string, pc *webrtc.PeerConnection) error {
	offer, err := b.requestOffer(ctx, name)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(*offer); err != nil {
		return fmt.Errorf("whep: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("whep: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("whep: set local description: %w", err)
	}
	// 等待 ICE 收集完成，确保 answer 中带上候选地址
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return errors.New("whep: local description is empty")
	}
	return b.sendAnswer(ctx, name, *local)
}

// requestOffer POST 协商地址，得到服务器的 offer
func (b *Binding) requestOffer(ctx context.Context, name string) (*webrtc.SessionDescription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.EndpointURL(name), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("whep: request offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, negotiationError("offer", resp)
	}
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return nil, fmt.Errorf("whep: decode offer: %w", err)
	}
	return &offer, nil
}

// sendAnswer 用 PATCH 把本地 answer 发回服务器
func (b *Binding) sendAnswer(ctx context.Context, name string, answer webrtc.SessionDescription) error {
	body, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, b.EndpointURL(name), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("whep: send answer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return negotiationError("answer", resp)
	}
	return nil
}

func (b *Binding) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers := b.ICEServers
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}
	cfg := webrtc.Configuration{ICEServers: servers}
	if b.NewPeerConnection != nil {
		return b.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

func (b *Binding) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

func negotiationError(step string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &NegotiationError{Step: step, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
