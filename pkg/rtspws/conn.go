// Package rtspws 通过 websocket 连接媒体服务器上的 RTSP 流。
// 与 HLS / WebRTC 不同，连接可能由服务器关闭，关闭后 registry 条目会自动移除。
package rtspws

import (
	"context"
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

	"github.com/gorilla/websocket"
)

// DefaultBaseURL 是 RTSP websocket 服务的默认地址
const DefaultBaseURL = "ws://localhost:8554"

const (
	defaultPongWait     = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 4 << 20
)

// ErrClosed 表示连接已经关闭
var ErrClosed = errors.New("rtspws: connection closed")

// Params 是 Start 的参数
type Params struct {
	Sink   io.Writer   // 收到的二进制消息写入这里，可为 nil
	Header http.Header // 握手时附带的请求头，例如鉴权
}

// Conn 是一个活动的 websocket 连接
type Conn struct {
	name string
	ws   *websocket.Conn
	sink io.Writer
	log  *slog.Logger

	pongWait     time.Duration
	pingInterval time.Duration

	writeMu  sync.Mutex
	once     sync.Once
	done     chan struct{}
	received atomic.Int64
	bytes    atomic.Int64
	remote   atomic.Bool
}

// Done 在连接关闭（本地或远端）后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Name 返回 path 名称
func (c *Conn) Name() string { return c.name }

// ClosedByRemote 表示连接是否由对端或网络错误关闭
func (c *Conn) ClosedByRemote() bool { return c.remote.Load() }

// Stats 返回收到的消息数和字节数
func (c *Conn) Stats() (messages, bytes int64) {
	return c.received.Load(), c.bytes.Load()
}

// Send 发送一条二进制消息
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Conn) readPump() {
	defer c.shutdown(true)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("rtsp websocket read error", "path", c.name, "error", err)
			}
			return
		}
		c.received.Add(1)
		c.bytes.Add(int64(len(data)))
		if c.sink != nil && msgType == websocket.BinaryMessage {
			if _, err := c.sink.Write(data); err != nil {
				c.log.Warn("rtsp sink write failed", "path", c.name, "error", err)
			}
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				c.shutdown(true)
				return
			}
		}
	}
}

// shutdown 关闭连接，只执行一次
func (c *Conn) shutdown(remote bool) {
	c.once.Do(func() {
		c.remote.Store(remote)
		if !remote {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.ws.Close()
		if cl, ok := c.sink.(io.Closer); ok {
			_ = cl.Close()
		}
		close(c.done)
	})
}

// Binding 为 registry 打开和关闭 RTSP websocket 连接
type Binding struct {
	BaseURL string
	Dialer  *websocket.Dialer
	Log     *slog.Logger

	PongWait time.Duration
}

// NewBinding 创建 Binding
func NewBinding(baseURL string, log *slog.Logger) *Binding {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Binding{
		BaseURL:  baseURL,
		Dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Log:      log,
		PongWait: defaultPongWait,
	}
}

// EndpointURL 返回 path 对应的 websocket 地址
func (b *Binding) EndpointURL(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(b.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

// Open 实现 registry.Binding，握手完成即返回
func (b *Binding) Open(ctx context.Context, name string, params Params) (*Conn, error) {
	if name == "" {
		return nil, errors.New("rtspws: path name 不能为空")
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target := b.EndpointURL(name)
	ws, resp, err := dialer.DialContext(ctx, target, params.Header)
	if err != nil {
		if cl, ok := params.Sink.(io.Closer); ok {
			_ = cl.Close()
		}
		if resp != nil {
			return nil, fmt.Errorf("rtspws: dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("rtspws: dial %s: %w", target, err)
	}

	pongWait := b.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	c := &Conn{
		name:         name,
		ws:           ws,
		sink:         params.Sink,
		log:          b.Log,
		pongWait:     pongWait,
		pingInterval: pongWait * 9 / 10,
		done:         make(chan struct{}),
	}
	go c.readPump()
	go c.pingLoop()
	return c, nil
}

// Close 实现 registry.Binding
func (b *Binding) Close(c *Conn) error {
	if c != nil {
		c.shutdown(false)
	}
	return nil
}
