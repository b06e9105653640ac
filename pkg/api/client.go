// Package api 封装媒体服务器的 v3 REST API。
package api

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
	"time"
)

// DefaultBaseURL 是 API 服务的默认地址
const DefaultBaseURL = "http://localhost:9997"

const apiPrefix = "/v3"

const genericErrorMessage = "request failed"

// ErrUnauthorized 在服务器返回 401 时返回，此时客户端持有的 token 已被清除
var ErrUnauthorized = errors.New("api: unauthorized")

// ErrNotFound 匹配状态码为 404 的 *RequestError，用于 errors.Is
var ErrNotFound = errors.New("api: not found")

// RequestError 是非 2xx（除 401 外）的响应
type RequestError struct {
	Method   string
	Endpoint string
	Status   int
	Message  string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api: %s %s: %s (status %d)", e.Method, e.Endpoint, e.Message, e.Status)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Session 保存鉴权 token。它是不可变值，WithToken / Cleared 返回新的 Session。
type Session struct {
	token string
}

// NewSession 创建带 token 的 Session
func NewSession(token string) Session { return Session{token: token} }

// WithToken 返回持有新 token 的 Session
func (s Session) WithToken(token string) Session { return Session{token: token} }

// Cleared 返回不带 token 的 Session
func (s Session) Cleared() Session { return Session{} }

// Token 返回持有的 token
func (s Session) Token() string { return s.token }

// Authenticated 表示是否持有 token
func (s Session) Authenticated() bool { return s.token != "" }

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSession 设置初始 Session
func WithSession(s Session) Option {
	return func(c *Client) { c.session = s }
}

// WithLogger 设置日志
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client 是 REST API 客户端，可并发使用
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu      sync.Mutex
	session Session
}

// New 创建 Client
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session 返回当前 Session
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetToken 设置鉴权 token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.session = c.session.WithToken(token)
	c.mu.Unlock()
}

// ClearToken 清除鉴权 token
func (c *Client) ClearToken() {
	c.mu.Lock()
	c.session = c.session.Cleared()
	c.mu.Unlock()
}

// Request 发出一次 API 请求。body 非 nil 时编码为 JSON；out 非 nil 时解码 JSON 响应。
// header 会覆盖默认的 JSON 头。
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if s := c.Session(); s.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+s.Token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("api request failed", "method", method, "endpoint", endpoint, "error", err)
		return fmt.Errorf("api: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.ClearToken()
		c.log.Warn("api unauthorized, token cleared", "method", method, "endpoint", endpoint)
		return ErrUnauthorized
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RequestError{
			Method:   method,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  errorMessage(data),
		}
		c.log.Error("api request failed", "method", method, "endpoint", endpoint, "status", resp.StatusCode, "message", rerr.Message)
		return rerr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// errorMessage 取出服务器返回的 {"error": "..."}，没有时使用通用信息
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return genericErrorMessage
}

func endpointWithQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func escapeName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ListPaths 列出所有 path
func (c *Client) ListPaths(ctx context.Context, p ListParams) (*PathList, error) {
	var out PathList
	err := c.Request(ctx, http.MethodGet, endpointWithQuery(apiPrefix+"/paths/list", p.query()), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPath 获取单个 path
func (c *Client) GetPath(ctx context.Context, name string) (*Path, error) {
	var out Path
	if err := c.Request(ctx, http.MethodGet, apiPrefix+"/paths/get/"+escapeName(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddPath 添加或更新 path 配置
func (c *Client) AddPath(ctx context.Context, name string, conf PathConf) error {
	if conf == nil {
		conf = PathConf{}
	}
	return c.Request(ctx, http.MethodPost, apiPrefix+"/config/paths/add/"+escapeName(name), conf, nil, nil)
}

// DeletePath 删除 path 配置
func (c *Client) DeletePath(ctx context.Context, name string) error {
	return c.Request(ctx, http.MethodDelete, apiPrefix+"/config/paths/delete/"+escapeName(name), nil, nil, nil)
}

// ListRTSPSessions 列出 RTSP 会话
func (c *Client) ListRTSPSessions(ctx context.Context, p ListParams) (*List[RTSPSession], error) {
	var out List[RTSPSession]
	if err := c.Request(ctx, http.MethodGet, endpointWithQuery(apiPrefix+"/rtspsessions/list", p.query()), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRTMPConns 列出 RTMP 连接
func (c *Client) ListRTMPConns(ctx context.Context, p ListParams) (*List[RTMPConn], error) {
	var out List[RTMPConn]
	if err := c.Request(ctx, http.MethodGet, endpointWithQuery(apiPrefix+"/rtmpconns/list", p.query()), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWebRTCSessions 列出 WebRTC 会话
func (c *Client) ListWebRTCSessions(ctx context.Context, p ListParams) (*List[WebRTCSession], error) {
	var out List[WebRTCSession]
	if err := c.Request(ctx, http.MethodGet, endpointWithQuery(apiPrefix+"/webrtcsessions/list", p.query()), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecordings 获取某个 path 的录制
func (c *Client) GetRecordings(ctx context.Context, name string) (*Recording, error) {
	var out Recording
	if err := c.Request(ctx, http.MethodGet, apiPrefix+"/recordings/get/"+escapeName(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGlobalConfig 获取全局配置
func (c *Client) GetGlobalConfig(ctx context.Context) (GlobalConf, error) {
	var out GlobalConf
	if err := c.Request(ctx, http.MethodGet, apiPrefix+"/config/global/get", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateGlobalConfig 修改全局配置
func (c *Client) UpdateGlobalConfig(ctx context.Context, conf GlobalConf) error {
	return c.Request(ctx, http.MethodPost, apiPrefix+"/config/global/patch", conf, nil, nil)
}
