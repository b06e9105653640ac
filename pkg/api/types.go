package api

import (
	"net/url"
	"strconv"
	"time"
)

// ListParams 是列表接口的分页参数，零值表示使用服务器默认值
type ListParams struct {
	Page         int
	ItemsPerPage int
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.ItemsPerPage > 0 {
		q.Set("itemsPerPage", strconv.Itoa(p.ItemsPerPage))
	}
	return q
}

// List 是所有分页列表接口的返回结构
type List[T any] struct {
	PageCount int `json:"pageCount"`
	ItemCount int `json:"itemCount"`
	Items     []T `json:"items"`
}

// PathSource 描述 path 的发布源或读取者
type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathConf 是 path 配置。字段很多且随服务器版本变化，按原样保存。
type PathConf map[string]any

// Path 是服务器上的一个 path
type Path struct {
	Name          string       `json:"name"`
	ConfName      string       `json:"confName"`
	Source        *PathSource  `json:"source"`
	Ready         bool         `json:"ready"`
	ReadyTime     *time.Time   `json:"readyTime"`
	Tracks        []string     `json:"tracks"`
	BytesReceived uint64       `json:"bytesReceived"`
	BytesSent     uint64       `json:"bytesSent"`
	Readers       []PathSource `json:"readers"`
	Conf          PathConf     `json:"conf,omitempty"`
}

// PathList 是 /paths/list 的返回
type PathList = List[Path]

// RTSPSession 是一个 RTSP 会话
type RTSPSession struct {
	ID            string    `json:"id"`
	Created       time.Time `json:"created"`
	RemoteAddr    string    `json:"remoteAddr"`
	State         string    `json:"state"`
	Path          string    `json:"path"`
	Query         string    `json:"query"`
	Transport     *string   `json:"transport"`
	BytesReceived uint64    `json:"bytesReceived"`
	BytesSent     uint64    `json:"bytesSent"`
}

// RTMPConn 是一个 RTMP 连接
type RTMPConn struct {
	ID            string    `json:"id"`
	Created       time.Time `json:"created"`
	RemoteAddr    string    `json:"remoteAddr"`
	State         string    `json:"state"`
	Path          string    `json:"path"`
	Query         string    `json:"query"`
	BytesReceived uint64    `json:"bytesReceived"`
	BytesSent     uint64    `json:"bytesSent"`
}

// WebRTCSession 是一个 WebRTC 会话
type WebRTCSession struct {
	ID                        string    `json:"id"`
	Created                   time.Time `json:"created"`
	RemoteAddr                string    `json:"remoteAddr"`
	PeerConnectionEstablished bool      `json:"peerConnectionEstablished"`
	LocalCandidate            string    `json:"localCandidate"`
	RemoteCandidate           string    `json:"remoteCandidate"`
	State                     string    `json:"state"`
	Path                      string    `json:"path"`
	Query                     string    `json:"query"`
	BytesReceived             uint64    `json:"bytesReceived"`
	BytesSent                 uint64    `json:"bytesSent"`
}

// RecordingSegment 是录制的一段
type RecordingSegment struct {
	Start time.Time `json:"start"`
}

// Recording 是某个 path 的录制列表
type Recording struct {
	Name     string             `json:"name"`
	Segments []RecordingSegment `json:"segments"`
}

// GlobalConf 是全局配置，按原样保存
type GlobalConf map[string]any
